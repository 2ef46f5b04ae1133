package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedgate/activitypub"
	"github.com/deemkeen/fedgate/cache"
	"github.com/deemkeen/fedgate/db"
	"github.com/deemkeen/fedgate/domain"
	"github.com/deemkeen/fedgate/jobs"
	"github.com/deemkeen/fedgate/util"
	"github.com/deemkeen/fedgate/web"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal("Failed to read configuration", "err", err)
	}
	util.SetupLogger(conf.Conf.LogLevel)

	log.Info("Starting " + util.GetNameAndVersion())
	log.Debug("Configuration:\n" + util.PrettyPrint(conf))

	database, err := db.Open(util.ResolveFilePath(conf.Conf.DbPath))
	if err != nil {
		log.Fatal("Failed to open database", "err", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, database); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, conf *util.AppConfig, database *db.DB) error {
	c := conf.Conf
	builder := activitypub.NewBuilder(c.SslDomain)

	transport := activitypub.NewTransport(util.UserAgent(c.SslDomain), c.FetchTimeout)
	instance, err := instanceActor(ctx, database, builder)
	if err != nil {
		return err
	}
	if err := transport.SetSigner(instance); err != nil {
		return fmt.Errorf("failed to load instance key: %w", err)
	}
	if locals, err := database.ReadLocalActors(ctx); err == nil {
		log.Infof("Serving %d local actors on %s", len(locals), c.SslDomain)
	}

	keys := activitypub.NewKeyResolver(
		database,
		activitypub.NewActorFetcher(transport, c.SslDomain),
		cache.NewTTL[string, *activitypub.ResolvedKey](c.KeyCacheSize, c.KeyCacheTTL),
		c.KeyCacheTTL,
		c.SslDomain,
	)
	verifier := activitypub.NewSignatureVerifier(keys, c.ClockSkew)
	digests := activitypub.NewFollowerDigests(database, cache.NewMap[activitypub.DigestKey, string]())
	queue := jobs.NewQueue(database)

	deliverer := activitypub.NewDeliverer(queue, database, transport, digests)
	synchronizer := activitypub.NewSynchronizer(database, transport, digests, deliverer, builder)
	processor := activitypub.NewProcessor(database, keys, digests, deliverer, builder)

	worker := jobs.NewWorker(database, map[domain.JobKind]jobs.Handler{
		domain.JobProcessActivity:      processor.Run,
		domain.JobSynchronizeFollowers: synchronizer.Run,
		domain.JobDeliverActivity:      deliverer.Run,
	}, c.WorkerInterval)
	worker.Start(ctx)

	router := web.Router(conf, &web.Services{
		Store:    database,
		Builder:  builder,
		Verifier: verifier,
		Collections: activitypub.NewCollections(database, activitypub.NewVisibilityResolver(c.AuthorizedFetch), builder, activitypub.Limits{
			Outbox:  c.OutboxLimit,
			Replies: c.RepliesLimit,
			Context: c.ContextLimit,
		}),
		Intake: activitypub.NewIntake(verifier, activitypub.NewReconciler(digests, queue), queue, c.MaxPayloadBytes),
	})

	return web.Serve(ctx, conf, router)
}

// instanceActor loads the server's own actor, creating it with a fresh key
// pair on first start. It signs fetches made on behalf of the server.
func instanceActor(ctx context.Context, database *db.DB, builder *activitypub.Builder) (*domain.Actor, error) {
	acc, err := database.ReadLocalActorByUsername(ctx, builder.Domain())
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	keypair, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance key: %w", err)
	}
	acc = builder.LocalActor(builder.Domain(), keypair.Public, keypair.Private)
	acc.Indexable = false
	if err := database.CreateActor(ctx, acc); err != nil {
		return nil, fmt.Errorf("failed to create instance actor: %w", err)
	}
	log.Info("Created instance actor", "uri", acc.URI)
	return acc, nil
}
