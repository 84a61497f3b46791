//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trainingjobs/internal/api"
	"trainingjobs/internal/assets"
	"trainingjobs/internal/dispatcher"
	"trainingjobs/internal/health"
	"trainingjobs/internal/observability"
	"trainingjobs/internal/provider"
	"trainingjobs/internal/store/memory"
	"trainingjobs/internal/training"
	"trainingjobs/pkg/backoff"
	"trainingjobs/pkg/cloudevent"
)

const (
	testAPIKey        = "e2e-api-key"
	testWebhookSecret = "e2e-webhook-secret"
	testSigningKey    = "e2e-event-key"
	testOwner         = "owner-e2e"
)

// providerSim imitates the compute provider's training API.
type providerSim struct {
	mu          sync.Mutex
	definitions map[string]training.Definition // by external id
	status      map[string]map[string]any      // poll answers by external id
	cancelled   []string
	failStarts  atomic.Int64 // answer 503 to this many start requests
	starts      atomic.Int64
}

func newProviderSim() *providerSim {
	return &providerSim{
		definitions: map[string]training.Definition{},
		status:      map[string]map[string]any{},
	}
}

func (p *providerSim) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/training/jobs", func(w http.ResponseWriter, r *http.Request) {
		p.starts.Add(1)
		if p.failStarts.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var def training.Definition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		externalID := "prov-" + r.Header.Get("Idempotency-Key")
		p.mu.Lock()
		p.definitions[externalID] = def
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": externalID, "status": "queued"})
	})
	mux.HandleFunc("GET /v1/training/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		status, ok := p.status[r.PathValue("id")]
		p.mu.Unlock()
		if !ok {
			status = map[string]any{"status": "queued"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("POST /v1/training/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.cancelled = append(p.cancelled, r.PathValue("id"))
		p.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (p *providerSim) definition(t testing.TB, externalID string) training.Definition {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	def, ok := p.definitions[externalID]
	if !ok {
		t.Fatalf("provider never received job %s", externalID)
	}
	return def
}

func (p *providerSim) setStatus(externalID string, status map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[externalID] = status
}

func (p *providerSim) cancelledIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.cancelled)
}

// eventSink receives lifecycle events and checks their signatures.
type eventSink struct {
	mu       sync.Mutex
	events   []cloudevent.CloudEvent
	unsigned atomic.Int64
}

func (s *eventSink) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !cloudevent.Verify(body, r.Header.Get(cloudevent.SignatureHeader), testSigningKey) {
			s.unsigned.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var event cloudevent.CloudEvent
		if err := json.Unmarshal(body, &event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.events = append(s.events, event)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
}

// typesFor returns the event types received for jobID, in arrival order.
func (s *eventSink) typesFor(jobID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []string
	for _, e := range s.events {
		if e.Subject == jobID {
			types = append(types, e.Type)
		}
	}
	return types
}

// assetServer answers HEAD for every png under /images/ and 404 elsewhere.
func assetServer() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /images/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type harness struct {
	baseURL  string
	assetURL string
	client   *http.Client
	provider *providerSim
	sink     *eventSink
	service  *training.Service
	events   *dispatcher.MemoryDispatcher
}

func newHarness(t testing.TB) *harness {
	t.Helper()
	ctx := context.Background()

	sim := newProviderSim()
	providerServer := httptest.NewServer(sim.handler())
	t.Cleanup(providerServer.Close)

	sink := &eventSink{}
	sinkServer := httptest.NewServer(sink.handler())
	t.Cleanup(sinkServer.Close)

	assetSrv := httptest.NewServer(assetServer())
	t.Cleanup(assetSrv.Close)

	// The callback base URL is the API server's own address, known only once it listens.
	var router http.Handler
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(apiServer.Close)

	metrics, _, err := observability.NewMetrics(ctx)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	events := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize:  1000,
		Workers:     4,
		HTTPTimeout: 5 * time.Second,
	}, metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = events.Close(ctx)
	})

	store := memory.New()
	svc := training.NewService(training.Options{
		Store:           store,
		Provider:        provider.NewClient(provider.Config{BaseURL: providerServer.URL, Timeout: 5 * time.Second}),
		Assets:          assets.NewValidator(assets.Config{Timeout: 2 * time.Second}, nil),
		Events:          &dispatcher.Publisher{Dispatcher: events, Destination: sinkServer.URL, SigningKey: testSigningKey},
		Metrics:         metrics,
		CallbackBaseURL: apiServer.URL,
		DispatchRetries: 3,
		DispatchBackoff: backoff.Config{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	})

	router = api.NewRouter(api.RouterConfig{
		Service: svc,
		Metrics: metrics,
		HealthChecker: health.NewChecker(health.Dependency{
			Name: "store", Checker: health.ReadinessFunc(store.Ping), Critical: true,
		}),
		APIKey:        testAPIKey,
		WebhookSecret: testWebhookSecret,
	})

	return &harness{
		baseURL:  apiServer.URL,
		assetURL: assetSrv.URL,
		client:   &http.Client{Timeout: 10 * time.Second},
		provider: sim,
		sink:     sink,
		service:  svc,
		events:   events,
	}
}

// call sends an authenticated lifecycle request and decodes the answer into out, if given.
func (h *harness) call(t testing.TB, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.baseURL+path, reader)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set(api.OwnerHeader, testOwner)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return h.do(t, req, out)
}

func (h *harness) do(t testing.TB, req *http.Request, out any) int {
	t.Helper()
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", req.Method, req.URL.Path, err)
		}
	}
	return resp.StatusCode
}

type webhookResult struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason"`
	Status  string `json:"status"`
}

// callback posts a signed status payload to the webhook URL the provider was given.
func (h *harness) callback(t testing.TB, webhookURL string, payload map[string]any) (int, webhookResult) {
	t.Helper()
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(cloudevent.SignatureHeader, cloudevent.Sign(body, testWebhookSecret))

	var res webhookResult
	code := h.do(t, req, &res)
	return code, res
}

func (h *harness) createRequest(name string) map[string]any {
	return map[string]any{
		"name":           name,
		"trainingConfig": map[string]any{"steps": 1000, "learningRate": 0.0004, "triggerWord": "ohwx"},
		"datasetConfig":  map[string]any{"repeats": 10},
		"assets": []map[string]any{
			{"url": h.assetURL + "/images/a.png", "caption": "a photo of ohwx", "contentType": "image/png"},
			{"url": h.assetURL + "/images/b.png"},
		},
	}
}

// createJob creates a job through the API and returns it with the definition the provider received.
func (h *harness) createJob(t testing.TB, name string) (training.Job, training.Definition) {
	t.Helper()
	var job training.Job
	if code := h.call(t, http.MethodPost, "/v1/training/jobs", h.createRequest(name), &job); code != http.StatusCreated {
		t.Fatalf("create job: status %d", code)
	}
	return job, h.provider.definition(t, job.ExternalJobID)
}

func (h *harness) getJob(t testing.TB, id string) training.Job {
	t.Helper()
	var job training.Job
	if code := h.call(t, http.MethodGet, "/v1/training/jobs/"+id, nil, &job); code != http.StatusOK {
		t.Fatalf("get job %s: status %d", id, code)
	}
	return job
}
