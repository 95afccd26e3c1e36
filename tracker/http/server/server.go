package httpTrackerServer

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/privtracker/privtracker/bencode"
	httpTracker "github.com/privtracker/privtracker/tracker/http"
	trackerServer "github.com/privtracker/privtracker/tracker/server"
	"github.com/privtracker/privtracker/types"
)

type Handler struct {
	Announce *trackerServer.AnnounceHandler
	// Called to derive an announcer's IP if non-nil. If not specified, the Request.RemoteAddr is
	// used.
	RequestHost func(r *http.Request) (netip.Addr, error)
	Logger      log.Logger
}

func (me Handler) requestHostAddr(r *http.Request) (_ netip.Addr, err error) {
	if me.RequestHost != nil {
		return me.RequestHost(r)
	}
	return remoteAddr(r)
}

func remoteAddr(r *http.Request) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// middleware.RealIP sets a bare address.
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	return addr.Unmap(), err
}

var requestHeadersLogger = log.Default.WithNames("request", "headers")

func NewHandler(announce *trackerServer.AnnounceHandler) Handler {
	return Handler{
		Announce: announce,
		Logger:   log.Default.WithNames("http"),
	}
}

// Writes a bencoded body. Tracker responses are always text/plain.
func (me Handler) write(w http.ResponseWriter, status int, v bencode.Marshaler) {
	b, err := v.MarshalBencode()
	if err != nil {
		me.Logger.Levelf(log.Error, "encoding response: %v", err)
		status = http.StatusInternalServerError
		b, _ = httpTracker.FailureResponse{Reason: "error encoding response"}.MarshalBencode()
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, err = w.Write(b)
	if err != nil {
		me.Logger.Levelf(log.Debug, "writing response body: %v", err)
	}
}

func (me Handler) writeError(w http.ResponseWriter, err error) {
	f := trackerServer.Classify(err)
	if f.RetryAfter.Ok {
		w.Header().Set("Retry-After", strconv.FormatInt(f.RetryAfter.Value, 10))
	}
	me.write(w, f.Status, httpTracker.FailureResponse{
		Reason:     f.Reason,
		RetryAfter: f.RetryAfter,
	})
}

func (me Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params, err := parseAnnounce(r.URL.Query(), chi.URLParam(r, "passkey"))
	if err != nil {
		me.writeError(w, err)
		return
	}
	requestHeadersLogger.Levelf(log.Debug, "request RemoteAddr=%q, header=%q", r.RemoteAddr, r.Header)
	addr, err := me.requestHostAddr(r)
	if err != nil {
		me.Logger.Levelf(log.Error, "error getting requester IP: %v", err)
		me.writeError(w, &trackerServer.InternalError{Op: "determining requester address", Err: err})
		return
	}
	if override, err := netip.ParseAddr(params.IP); err == nil {
		addr = override.Unmap()
	}
	res := me.Announce.Serve(r.Context(), params.AnnounceRequest, netip.AddrPortFrom(addr, params.Port))
	if res.Err != nil {
		me.writeError(w, res.Err)
		return
	}
	resp := httpTracker.AnnounceResponse{
		Interval:    int64(res.Interval.Seconds()),
		MinInterval: int64(res.MinInterval.Seconds()),
		Complete:    int64(res.Seeders),
		Incomplete:  int64(res.Leechers),
		Downloaded:  res.Downloaded,
		TrackerID:   res.TrackerID,
		Compact:     params.Compact,
		NoPeerID:    params.NoPeerID,
	}
	for _, p := range res.Peers {
		resp.Peers = append(resp.Peers, httpTracker.Peer{
			Addr: p.Addr,
			ID:   p.ID,
		})
	}
	me.write(w, http.StatusOK, resp)
}

func (me Handler) ServeScrape(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	passkey := chi.URLParam(r, "passkey")
	if passkey == "" {
		passkey = query.Get("passkey")
	}
	var ihs []types.InfoHash
	for _, s := range query["info_hash"] {
		ih, ok := types.InfoHashFromBytes([]byte(s))
		if !ok {
			me.writeError(w, badRequest("info_hash has wrong length"))
			return
		}
		ihs = append(ihs, ih)
	}
	res, err := me.Announce.Scrape(r.Context(), passkey, ihs)
	if err != nil {
		me.writeError(w, err)
		return
	}
	var resp httpTracker.ScrapeResponse
	for ih, sr := range res {
		resp.Add(ih, httpTracker.ScrapeFile{
			Complete:   int64(sr.Complete),
			Downloaded: sr.Downloaded,
			Incomplete: int64(sr.Incomplete),
		})
	}
	me.write(w, http.StatusOK, resp)
}

// Turns panics into a bencoded internal error, since clients can't read anything else.
func (me Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			me.Logger.Levelf(log.Error, "panic serving %v: %v", r.URL.Path, rvr)
			me.writeError(w, &trackerServer.InternalError{Op: "serving request", Err: fmt.Errorf("panic: %v", rvr)})
		}()
		next.ServeHTTP(w, r)
	})
}

func (me Handler) floodGuarded(g *floodGuard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr, err := me.requestHostAddr(r)
			if err == nil && !g.allow(addr) {
				w.Header().Set("Retry-After", "1")
				me.write(w, http.StatusTooManyRequests, httpTracker.FailureResponse{
					Reason:     "too many requests",
					RetryAfter: generics.Some[int64](1),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type RouterOpts struct {
	// Serves /metrics if set.
	Metrics *prometheus.Registry
	// Requests per second per source address. Zero disables the guard.
	FloodRate  float64
	FloodBurst int
	// Use middleware.RealIP. Only safe behind a proxy that sets the headers.
	TrustProxyHeaders bool
}

func NewRouter(h Handler, opts RouterOpts) chi.Router {
	r := chi.NewRouter()
	if opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(h.recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok\n"))
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}
	r.Group(func(r chi.Router) {
		if opts.FloodRate > 0 {
			r.Use(h.floodGuarded(newFloodGuard(opts.FloodRate, opts.FloodBurst)))
		}
		r.Get("/announce", h.ServeHTTP)
		r.Get("/announce/{passkey}", h.ServeHTTP)
		r.Get("/scrape", h.ServeScrape)
		r.Get("/scrape/{passkey}", h.ServeScrape)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.write(w, http.StatusNotFound, httpTracker.FailureResponse{Reason: "not found"})
	})
	return r
}
