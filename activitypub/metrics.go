package activitypub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inboxRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedgate",
		Name:      "inbox_requests_total",
		Help:      "Inbox deliveries by outcome.",
	}, []string{"outcome"})

	keyCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedgate",
		Name:      "key_cache_lookups_total",
		Help:      "Public key cache lookups by result.",
	}, []string{"result"})

	followerSyncChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedgate",
		Name:      "follower_sync_checks_total",
		Help:      "Collection-Synchronization assertions by outcome.",
	}, []string{"outcome"})

	collectionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedgate",
		Name:      "collection_requests_total",
		Help:      "Collection builds by kind.",
	}, []string{"kind"})
)
