package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/kilianp07/flexplan/auth"
	corechannel "github.com/kilianp07/flexplan/core/channel"
	"github.com/kilianp07/flexplan/core/document"
	"github.com/kilianp07/flexplan/core/monitoring"
	"github.com/kilianp07/flexplan/infra/logger"
)

// maxBody bounds inbound documents.
const maxBody = 4 << 20

// HTTPPeer maps a participant domain to the base URL of its endpoint.
type HTTPPeer struct {
	Domain string `json:"domain"`
	URL    string `json:"url"`
}

// HTTPConfig configures the point-to-point HTTP channel.
type HTTPConfig struct {
	// Listen serves POST /flex/{domain} when set, e.g. ":8443".
	Listen string     `json:"listen"`
	Peers  []HTTPPeer `json:"peers"`
	// Token is required from peers as a bearer token when set.
	Token   string        `json:"token"`
	Auth    auth.Conf     `json:"auth"`
	Timeout time.Duration `json:"timeout"`
}

func (c *HTTPConfig) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// HTTP posts documents to the endpoint of their recipient and serves the
// documents addressed to the local domains.
type HTTP struct {
	cfg    HTTPConfig
	peers  map[string]string
	client *http.Client
	cred   *auth.ClientCred
	log    logger.Logger

	mu       sync.RWMutex
	handlers map[string]corechannel.Handler
	srv      *http.Server
}

// NewHTTP checks the peer URLs. The listener starts with the first Receive.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	cfg.setDefaults()
	peers := make(map[string]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p.Domain == "" {
			return nil, errors.New("http peer without domain")
		}
		if _, err := url.ParseRequestURI(p.URL); err != nil {
			return nil, fmt.Errorf("http peer %s: %w", p.Domain, err)
		}
		peers[p.Domain] = p.URL
	}
	h := &HTTP{
		cfg:      cfg,
		peers:    peers,
		client:   &http.Client{Timeout: cfg.Timeout},
		log:      logger.New("http_channel"),
		handlers: map[string]corechannel.Handler{},
	}
	if cfg.Auth.Enabled() {
		h.cred = auth.NewClientCred(cfg.Auth)
	}
	return h, nil
}

// Endpoint returns the URL d is posted to.
func (h *HTTP) Endpoint(d document.Document) (string, error) {
	base, ok := h.peers[d.RecipientDomain]
	if !ok {
		return "", fmt.Errorf("no endpoint for %s", d.RecipientDomain)
	}
	return base + "/flex/" + url.PathEscape(d.RecipientDomain), nil
}

// Send posts d. A 401 answer refreshes the access token and retries once.
func (h *HTTP) Send(ctx context.Context, d document.Document) error {
	payload, err := document.Marshal(d)
	if err != nil {
		return err
	}
	endpoint, err := h.Endpoint(d)
	if err != nil {
		return err
	}
	status, err := h.post(ctx, endpoint, payload)
	if err == nil && status == http.StatusUnauthorized && h.cred != nil {
		if _, err = h.cred.ForceRefresh(ctx); err == nil {
			status, err = h.post(ctx, endpoint, payload)
		}
	}
	if err == nil && (status < 200 || status > 299) {
		err = fmt.Errorf("status %d", status)
	}
	if err != nil {
		monitoring.CaptureException(err, map[string]string{
			"module":    "http_channel",
			"recipient": d.RecipientDomain,
			"type":      d.Type.String(),
		})
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	h.log.Debugf("posted %s #%d to %s", d.Type, d.Sequence, endpoint)
	return nil
}

func (h *HTTP) post(ctx context.Context, endpoint string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cred != nil {
		if err := h.cred.SetAuthHeader(req); err != nil {
			return 0, err
		}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Receive routes the documents posted for domain to hnd and starts the
// listener if one is configured.
func (h *HTTP) Receive(ctx context.Context, domain string, hnd corechannel.Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.handlers[domain]; ok {
		return fmt.Errorf("domain %s already receiving", domain)
	}
	h.handlers[domain] = hnd
	if h.cfg.Listen == "" || h.srv != nil {
		return nil
	}
	h.srv = &http.Server{Addr: h.cfg.Listen, Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}
	srv := h.srv
	go func() {
		h.log.Infof("receiving documents on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Errorf("http channel listener: %v", err)
			monitoring.CaptureException(err, map[string]string{"module": "http_channel"})
		}
	}()
	go func() {
		<-ctx.Done()
		_ = h.Close()
	}()
	return nil
}

// Handler serves POST /flex/{domain}.
func (h *HTTP) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /flex/{domain}", func(w http.ResponseWriter, r *http.Request) {
		domain := r.PathValue("domain")
		h.mu.RLock()
		hnd, ok := h.handlers[domain]
		h.mu.RUnlock()
		if !ok {
			http.Error(w, "unknown recipient", http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d, err := document.Unmarshal(body)
		if err != nil {
			h.log.Errorf("drop document for %s: %v", domain, err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if d.RecipientDomain != domain {
			http.Error(w, "recipient mismatch", http.StatusBadRequest)
			return
		}
		if err := hnd(r.Context(), d); err != nil {
			h.log.Errorf("handle %s #%d from %s: %v", d.Type, d.Sequence, d.SenderDomain, err)
			monitoring.CaptureException(err, map[string]string{"module": "http_channel", "sender": d.SenderDomain})
			http.Error(w, "not processed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return auth.RequireBearer(h.cfg.Token, mux)
}

// Close stops the listener.
func (h *HTTP) Close() error {
	h.mu.Lock()
	srv := h.srv
	h.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

var _ corechannel.Transport = (*HTTP)(nil)
