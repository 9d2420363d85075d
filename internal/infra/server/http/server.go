// Package httpserver exposes a read-only status API over the running exchange links.
package httpserver

import (
	"bytes"
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/exchangelink/internal/infra/persistence/journal"
	"github.com/coachpo/exchangelink/internal/link"
)

const (
	healthPath       = "/healthz"
	linksPath        = "/links"
	linkDetailPrefix = linksPath + "/"
	fillsPath        = "/fills"

	bookSegment = "book"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// LinkStatus is the view of an exchange link the API reads from.
type LinkStatus interface {
	Exchange() string
	State() link.State
	IsHealthy() bool
	ReconnectAttempts() int
	Subscriptions() []link.Subscription
	CachedTopOfBook(symbol string) (link.Quote, bool)
}

// FillHistory returns journaled fill outcomes.
type FillHistory interface {
	Recent(ctx context.Context, exchange string, limit int) ([]journal.Record, error)
}

type httpServer struct {
	links   map[string]LinkStatus
	names   []string
	history FillHistory
}

type linkPayload struct {
	Name              string `json:"name"`
	State             string `json:"state"`
	Healthy           bool   `json:"healthy"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	Subscriptions     int    `json:"subscriptions"`
}

type subscriptionPayload struct {
	Stream  string    `json:"stream"`
	AddedAt time.Time `json:"addedAt"`
}

type quotePayload struct {
	Exchange   string    `json:"exchange"`
	Symbol     string    `json:"symbol"`
	Bid        string    `json:"bid"`
	Ask        string    `json:"ask"`
	BidSize    string    `json:"bidSize"`
	AskSize    string    `json:"askSize"`
	CapturedAt time.Time `json:"capturedAt"`
}

type fillPayload struct {
	ID            string    `json:"id"`
	Exchange      string    `json:"exchange"`
	Symbol        string    `json:"symbol"`
	ClientOrderID string    `json:"clientOrderId"`
	OrderID       string    `json:"orderId,omitempty"`
	Side          string    `json:"side"`
	State         string    `json:"state"`
	ExpectedQty   string    `json:"expectedQty"`
	FilledQty     string    `json:"filledQty"`
	AvgPrice      string    `json:"avgPrice,omitempty"`
	Attempts      int       `json:"attempts"`
	Assumed       bool      `json:"assumed,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NewHandler builds the status API. history may be nil when the journal is disabled.
func NewHandler(links map[string]LinkStatus, history FillHistory) http.Handler {
	server := &httpServer{links: make(map[string]LinkStatus, len(links)), history: history}
	for name, l := range links {
		if l == nil {
			continue
		}
		server.links[name] = l
		server.names = append(server.names, name)
	}
	sort.Strings(server.names)

	mux := http.NewServeMux()
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(linksPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listLinks,
	}))
	mux.Handle(linkDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.handleLink,
	}))
	mux.Handle(fillsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listFills,
	}))
	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// health answers 503 while any link lacks a healthy session.
func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	unhealthy := make([]string, 0)
	for _, name := range s.names {
		if !s.links[name].IsHealthy() {
			unhealthy = append(unhealthy, name)
		}
	}
	if len(unhealthy) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "unhealthy": unhealthy})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "links": len(s.names)})
}

func (s *httpServer) listLinks(w http.ResponseWriter, _ *http.Request) {
	out := make([]linkPayload, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, describeLink(name, s.links[name]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": out})
}

// handleLink serves /links/{name} and /links/{name}/book/{symbol}.
func (s *httpServer) handleLink(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, linkDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "link name required")
		return
	}
	parts := strings.Split(rest, "/")
	l, ok := s.links[parts[0]]
	if !ok {
		writeError(w, http.StatusNotFound, "link not found")
		return
	}
	switch {
	case len(parts) == 1:
		s.writeLinkDetail(w, parts[0], l)
	case len(parts) == 3 && parts[1] == bookSegment:
		s.writeTopOfBook(w, parts[0], parts[2], l)
	default:
		writeError(w, http.StatusNotFound, "unknown link resource")
	}
}

func (s *httpServer) writeLinkDetail(w http.ResponseWriter, name string, l LinkStatus) {
	subs := l.Subscriptions()
	streams := make([]subscriptionPayload, 0, len(subs))
	for _, sub := range subs {
		streams = append(streams, subscriptionPayload{Stream: sub.Key.String(), AddedAt: sub.AddedAt})
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].Stream < streams[j].Stream })
	writeJSON(w, http.StatusOK, map[string]any{
		"link":          describeLink(name, l),
		"subscriptions": streams,
	})
}

func (s *httpServer) writeTopOfBook(w http.ResponseWriter, name, symbol string, l LinkStatus) {
	q, ok := l.CachedTopOfBook(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no fresh book for symbol")
		return
	}
	writeJSON(w, http.StatusOK, quotePayload{
		Exchange:   name,
		Symbol:     symbol,
		Bid:        q.Bid.String(),
		Ask:        q.Ask.String(),
		BidSize:    q.BidSize.String(),
		AskSize:    q.AskSize.String(),
		CapturedAt: q.CapturedAt,
	})
}

func (s *httpServer) listFills(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "fill journal disabled")
		return
	}
	query := r.URL.Query()
	exchange := strings.TrimSpace(query.Get("exchange"))
	if exchange == "" {
		writeError(w, http.StatusBadRequest, "exchange query parameter required")
		return
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := s.history.Recent(r.Context(), exchange, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]fillPayload, 0, len(records))
	for _, rec := range records {
		fp := fillPayload{
			ID:            rec.ID,
			Exchange:      rec.Exchange,
			Symbol:        rec.Symbol,
			ClientOrderID: rec.ClientOrderID,
			OrderID:       rec.OrderID,
			Side:          rec.Side,
			State:         rec.State,
			ExpectedQty:   rec.ExpectedQty.String(),
			FilledQty:     rec.FilledQty.String(),
			Attempts:      rec.Attempts,
			Assumed:       rec.Metadata.Assumed,
			Reason:        rec.Metadata.Reason,
			CreatedAt:     rec.CreatedAt,
		}
		if !rec.AvgPrice.IsZero() {
			fp.AvgPrice = rec.AvgPrice.String()
		}
		out = append(out, fp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"fills": out})
}

func describeLink(name string, l LinkStatus) linkPayload {
	return linkPayload{
		Name:              name,
		State:             l.State().String(),
		Healthy:           l.IsHealthy(),
		ReconnectAttempts: l.ReconnectAttempts(),
		Subscriptions:     len(l.Subscriptions()),
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(payload); err != nil {
		status = http.StatusInternalServerError
		buf.Reset()
		buf.WriteString(`{"status":"error","error":"encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
