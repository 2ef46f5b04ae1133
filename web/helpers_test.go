package web

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedgate/activitypub"
	"github.com/deemkeen/fedgate/cache"
	"github.com/deemkeen/fedgate/db"
	"github.com/deemkeen/fedgate/domain"
	"github.com/deemkeen/fedgate/jobs"
	"github.com/deemkeen/fedgate/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testDomain = "local.example"

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func sharedKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func keyPEMs(t *testing.T) (string, string) {
	t.Helper()
	key := sharedKey(t)
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return string(pubPEM), string(privPEM)
}

// fixture runs the router over a real database. alice is local, bob is a
// remote actor whose key is already stored.
type fixture struct {
	db     *db.DB
	router *gin.Engine
	alice  *domain.Actor
	bob    *domain.Actor
}

func testConfig(authorizedFetch bool) *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Host = "127.0.0.1"
	conf.Conf.HttpPort = 9999
	conf.Conf.SslDomain = testDomain
	conf.Conf.AuthorizedFetch = authorizedFetch
	conf.Conf.MaxPayloadBytes = 1 << 20
	conf.Conf.ClockSkew = time.Hour
	conf.Conf.KeyCacheTTL = time.Hour
	conf.Conf.KeyCacheSize = 100
	conf.Conf.FetchTimeout = 2 * time.Second
	conf.Conf.OutboxLimit = 20
	conf.Conf.RepliesLimit = 60
	conf.Conf.ContextLimit = 60
	conf.Conf.RateLimit = 1000
	conf.Conf.RateBurst = 1000
	return conf
}

func newFixture(t *testing.T, authorizedFetch bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	conf := testConfig(authorizedFetch)
	builder := activitypub.NewBuilder(testDomain)
	transport := activitypub.NewTransport("fedgate-test", conf.Conf.FetchTimeout)
	keys := activitypub.NewKeyResolver(database, activitypub.NewActorFetcher(transport, testDomain),
		cache.NewTTL[string, *activitypub.ResolvedKey](conf.Conf.KeyCacheSize, conf.Conf.KeyCacheTTL), conf.Conf.KeyCacheTTL, testDomain)
	verifier := activitypub.NewSignatureVerifier(keys, conf.Conf.ClockSkew)
	digests := activitypub.NewFollowerDigests(database, cache.NewMap[activitypub.DigestKey, string]())
	queue := jobs.NewQueue(database)

	svc := &Services{
		Store:    database,
		Builder:  builder,
		Verifier: verifier,
		Collections: activitypub.NewCollections(database, activitypub.NewVisibilityResolver(authorizedFetch), builder, activitypub.Limits{
			Outbox: conf.Conf.OutboxLimit, Replies: conf.Conf.RepliesLimit, Context: conf.Conf.ContextLimit,
		}),
		Intake: activitypub.NewIntake(verifier, activitypub.NewReconciler(digests, queue), queue, conf.Conf.MaxPayloadBytes),
	}

	f := &fixture{db: database, router: Router(conf, svc)}

	pub, priv := keyPEMs(t)
	f.alice = builder.LocalActor("alice", pub, priv)
	require.NoError(t, database.CreateActor(context.Background(), f.alice))

	uri := "https://remote.example/users/bob"
	f.bob = &domain.Actor{
		Username:       "bob",
		Domain:         "remote.example",
		URI:            uri,
		InboxURI:       uri + "/inbox",
		SharedInboxURI: "https://remote.example/inbox",
		FollowersURI:   uri + "/followers",
		PublicKeyPem:   pub,
		LastFetchedAt:  time.Now(),
	}
	require.NoError(t, database.CreateActor(context.Background(), f.bob))
	return f
}

func (f *fixture) post(t *testing.T, owner *domain.Actor, visibility domain.Visibility, mutate func(p *domain.Post)) *domain.Post {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	p := &domain.Post{
		Id:         id,
		AccountId:  owner.Id,
		URI:        owner.URI + "/statuses/" + id.String(),
		Visibility: visibility,
		Content:    "hello from " + owner.Username,
		Local:      owner.IsLocal(),
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, f.db.CreatePost(context.Background(), p))
	return p
}

func (f *fixture) follow(t *testing.T, from, to *domain.Actor) {
	t.Helper()
	_, err := f.db.CreateFollow(context.Background(), &domain.Follow{
		AccountId:       from.Id,
		TargetAccountId: to.Id,
		URI:             from.URI + "#follows/" + to.Username,
		Accepted:        true,
	})
	require.NoError(t, err)
}

func (f *fixture) suspend(t *testing.T, acc *domain.Actor, state domain.LifecycleState) {
	t.Helper()
	require.NoError(t, f.db.UpdateActorState(context.Background(), acc.Id, state))
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "https://"+testDomain+path, nil)
	require.NoError(t, err)
	return f.do(req)
}

// signedGet fetches path as bob.
func (f *fixture) signedGet(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "https://"+testDomain+path, nil)
	require.NoError(t, err)
	require.NoError(t, activitypub.SignRequest(req, sharedKey(t), f.bob.KeyID(), nil))
	return f.do(req)
}

// deliver posts body to path as bob.
func (f *fixture) deliver(t *testing.T, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://"+testDomain+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", activitypub.ContentType)
	require.NoError(t, activitypub.SignRequest(req, sharedKey(t), f.bob.KeyID(), body))
	return f.do(req)
}

func (f *fixture) jobs(t *testing.T, kind domain.JobKind) int {
	t.Helper()
	n, err := f.db.CountJobs(context.Background(), kind)
	require.NoError(t, err)
	return n
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc), w.Body.String())
	return doc
}
