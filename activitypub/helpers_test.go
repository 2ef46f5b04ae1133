package activitypub

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
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deemkeen/fedgate/cache"
	"github.com/deemkeen/fedgate/db"
	"github.com/deemkeen/fedgate/domain"
	"github.com/deemkeen/fedgate/jobs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testDomain = "local.example"

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

// sharedKey returns one RSA key for the whole test run; generating 2048 bit
// keys per test is slow.
func sharedKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return testKey
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

// privateKeyToPEM converts private key to PEM string
func privateKeyToPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

// publicKeyToPEM converts public key to PEM string
func publicKeyToPEM(t *testing.T, key *rsa.PublicKey) string {
	t.Helper()
	keyBytes, err := x509.MarshalPKIXPublicKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: keyBytes}))
}

func setupDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func createLocal(t *testing.T, database *db.DB, username string) *domain.Actor {
	t.Helper()
	key := sharedKey(t)
	acc := NewBuilder(testDomain).LocalActor(username, publicKeyToPEM(t, &key.PublicKey), privateKeyToPEM(key))
	require.NoError(t, database.CreateActor(context.Background(), acc))
	return acc
}

// createRemote stores a remote actor directly, without any server behind it.
func createRemote(t *testing.T, database *db.DB, username, host string) *domain.Actor {
	t.Helper()
	key := sharedKey(t)
	uri := "https://" + host + "/users/" + username
	acc := &domain.Actor{
		Username:       username,
		Domain:         host,
		URI:            uri,
		InboxURI:       uri + "/inbox",
		SharedInboxURI: "https://" + host + "/inbox",
		FollowersURI:   uri + "/followers",
		PublicKeyPem:   publicKeyToPEM(t, &key.PublicKey),
		LastFetchedAt:  time.Now(),
	}
	require.NoError(t, database.CreateActor(context.Background(), acc))
	return acc
}

func createPost(t *testing.T, database *db.DB, owner *domain.Actor, visibility domain.Visibility, mutate func(p *domain.Post)) *domain.Post {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	p := &domain.Post{
		Id:         id,
		AccountId:  owner.Id,
		URI:        owner.URI + "/statuses/" + id.String(),
		Visibility: visibility,
		Content:    "hello",
		Local:      owner.IsLocal(),
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, database.CreatePost(context.Background(), p))
	return p
}

func follow(t *testing.T, database *db.DB, from, to *domain.Actor) *domain.Follow {
	t.Helper()
	f := &domain.Follow{
		AccountId:       from.Id,
		TargetAccountId: to.Id,
		URI:             from.URI + "#follows/" + to.Username,
		Accepted:        true,
	}
	created, err := database.CreateFollow(context.Background(), f)
	require.NoError(t, err)
	require.True(t, created)
	return f
}

// remoteServer plays another instance serving actor documents and arbitrary
// JSON documents.
type remoteServer struct {
	*httptest.Server
	key   *rsa.PrivateKey
	hits  atomic.Int32
	mu    sync.Mutex
	docs  map[string]interface{}
	delay time.Duration
}

func newRemote(t *testing.T) *remoteServer {
	t.Helper()
	rs := &remoteServer{key: sharedKey(t), docs: make(map[string]interface{})}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.hits.Add(1)
		if rs.delay > 0 {
			time.Sleep(rs.delay)
		}
		rs.mu.Lock()
		doc, ok := rs.docs[r.URL.Path]
		rs.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", ContentType)
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *remoteServer) host() string {
	return strings.TrimPrefix(rs.URL, "http://")
}

func (rs *remoteServer) actorURI(username string) string {
	return rs.URL + "/users/" + username
}

func (rs *remoteServer) serve(path string, doc interface{}) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.docs[path] = doc
}

// addActor publishes an actor document signed by the server's key.
func (rs *remoteServer) addActor(t *testing.T, username string) string {
	t.Helper()
	uri := rs.actorURI(username)
	rs.serve("/users/"+username, map[string]interface{}{
		"id":                uri,
		"type":              "Person",
		"preferredUsername": username,
		"inbox":             uri + "/inbox",
		"followers":         uri + "/followers",
		"endpoints":         map[string]string{"sharedInbox": rs.URL + "/inbox"},
		"publicKey": map[string]string{
			"id":           uri + "#main-key",
			"owner":        uri,
			"publicKeyPem": publicKeyToPEM(t, &rs.key.PublicKey),
		},
	})
	return uri
}

// signedPost builds a request as a remote server would send it.
func signedPost(t *testing.T, target string, body []byte, key *rsa.PrivateKey, keyId string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", ContentType)
	require.NoError(t, SignRequest(req, key, keyId, body))
	return req
}

func signedGet(t *testing.T, target string, key *rsa.PrivateKey, keyId string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	require.NoError(t, SignRequest(req, key, keyId, nil))
	return req
}

// gateway wires the federation components over a real database.
type gateway struct {
	db          *db.DB
	queue       *jobs.Queue
	builder     *Builder
	transport   *Transport
	keys        *KeyResolver
	verifier    *SignatureVerifier
	digests     *FollowerDigests
	reconciler  *Reconciler
	collections *Collections
	deliverer   *Deliverer
	intake      *Intake
	processor   *Processor
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{db: setupDB(t), builder: NewBuilder(testDomain)}
	g.queue = jobs.NewQueue(g.db)
	g.transport = NewTransport("fedgate-test", 2*time.Second)
	g.keys = NewKeyResolver(g.db, NewActorFetcher(g.transport, testDomain), cache.NewTTL[string, *ResolvedKey](100, time.Hour), time.Hour, testDomain)
	g.verifier = NewSignatureVerifier(g.keys, time.Hour)
	g.digests = NewFollowerDigests(g.db, cache.NewMap[DigestKey, string]())
	g.reconciler = NewReconciler(g.digests, g.queue)
	g.collections = NewCollections(g.db, NewVisibilityResolver(false), g.builder, Limits{Outbox: 20, Replies: 60, Context: 60})
	g.deliverer = NewDeliverer(g.queue, g.db, g.transport, g.digests)
	g.intake = NewIntake(g.verifier, g.reconciler, g.queue, 1<<20)
	g.processor = NewProcessor(g.db, g.keys, g.digests, g.deliverer, g.builder)
	return g
}

func (g *gateway) countJobs(t *testing.T, kind domain.JobKind) int {
	t.Helper()
	n, err := g.db.CountJobs(context.Background(), kind)
	require.NoError(t, err)
	return n
}

// dueJobs returns the queued payloads of one kind.
func (g *gateway) dueJobs(t *testing.T, kind domain.JobKind) []domain.Job {
	t.Helper()
	all, err := g.db.ReadDueJobs(context.Background(), time.Now().Add(time.Hour), 1000)
	require.NoError(t, err)
	var out []domain.Job
	for _, j := range all {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}
