package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedgate/activitypub"
	"github.com/deemkeen/fedgate/domain"
	"github.com/deemkeen/fedgate/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Store is what the HTTP layer looks up directly.
type Store interface {
	ReadLocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error)
	ReadPostById(ctx context.Context, id uuid.UUID) (*domain.Post, error)
	ReadPostsByAccount(ctx context.Context, accountId uuid.UUID, visibilities []domain.Visibility, maxId *uuid.UUID, limit int) ([]domain.Post, error)
}

// Services are the federation components the routes call into.
type Services struct {
	Store       Store
	Builder     *activitypub.Builder
	Verifier    activitypub.Verifier
	Collections *activitypub.Collections
	Intake      *activitypub.Intake
}

type handlers struct {
	conf *util.AppConfig
	*Services
}

func Router(conf *util.AppConfig, svc *Services) *gin.Engine {
	h := &handlers{conf: conf, Services: svc}

	g := gin.New()
	g.Use(gin.Recovery(), requestLogger())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	limiter := NewRateLimiter(rate.Limit(conf.Conf.RateLimit), conf.Conf.RateBurst)
	g.Use(RateLimitMiddleware(limiter))

	maxBody := MaxBytesMiddleware(conf.Conf.MaxPayloadBytes)
	signed := RequesterMiddleware(svc.Verifier)

	g.GET("/metrics", gin.WrapH(promhttp.Handler()))
	g.GET("/.well-known/webfinger", h.webfinger)

	g.POST("/inbox", maxBody, h.sharedInbox)

	actors := g.Group("/actors/:username", h.loadOwner)
	{
		actors.GET("", h.actor)
		actors.POST("/inbox", maxBody, h.inbox)

		// suspended owners answer with their lifecycle status before any
		// signature is looked at
		reads := actors.Group("", gateOwner)
		reads.GET("/outbox", signed, h.collection(domain.CollectionOutbox))
		reads.GET("/followers", signed, h.collection(domain.CollectionFollowers))
		reads.GET("/followers_synchronization", signed, h.followersSync)
		reads.GET("/collections/featured", signed, h.collection(domain.CollectionFeatured))
		reads.GET("/feed.rss", h.feed)

		statuses := reads.Group("/statuses/:id", h.loadPost)
		statuses.GET("", signed, h.status)
		statuses.GET("/replies", signed, h.collection(domain.CollectionReplies))
		statuses.GET("/likes", signed, h.collection(domain.CollectionLikes))
		statuses.GET("/shares", signed, h.collection(domain.CollectionShares))
	}

	g.GET("/contexts/:id", signed, h.context(false))
	g.GET("/contexts/:id/items", signed, h.context(true))

	return g
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func Serve(ctx context.Context, conf *util.AppConfig, handler http.Handler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Infof("Starting HTTP server on %s", srv.Addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	log.Info("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf("HTTP: %s %s %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
