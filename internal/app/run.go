// Package app runs one headless chathub peer: it builds a hub from the peer
// folder's config, keeps it online until the context ends, and optionally
// serves its status and metrics on a local HTTP address.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/chathub/hub"
	"github.com/petervdpas/chathub/internal/call"
	"github.com/petervdpas/chathub/internal/config"
	"github.com/petervdpas/chathub/internal/notify"
	"github.com/petervdpas/chathub/internal/presence"
	"github.com/petervdpas/chathub/internal/util"
)

var log = logging.Logger("chathub/app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Local address for /status and /metrics; empty disables it.
	HTTPAddr string

	Progress func(step, total int, label string)

	// Extra hub options, applied after the defaults.
	HubOptions []hub.Option
}

func Run(ctx context.Context, opt Options) error {
	logBanner(opt.PeerDir, opt.CfgPath)

	cfg := resolvePaths(opt.PeerDir, opt.Cfg)
	if err := hub.SetLogLevel(cfg.Log.Level); err != nil {
		log.Warnf("peer: log level: %v", err)
	}

	emit := opt.Progress
	if emit == nil {
		emit = func(int, int, string) {}
	}
	step := 0
	total := 3 // transport + channels + online
	if opt.HTTPAddr != "" {
		total++
	}

	// ── Transport and services
	step++
	emit(step, total, "connecting "+cfg.Transport.Kind+" transport")
	hubOpts := append([]hub.Option{hub.WithDisplay(consoleDisplay{})}, opt.HubOptions...)
	h, err := hub.New(cfg, hubOpts...)
	if err != nil {
		return err
	}

	// ── Channels
	step++
	emit(step, total, "joining channels")
	h.Calls().OnIncoming(func(s call.Session) {
		log.Infof("peer: incoming %s call %s from %s", s.Type, s.ID, s.InitiatorID)
	})
	if err := h.Start(ctx); err != nil {
		h.Shutdown(context.Background())
		return err
	}
	setRuntime(h)
	defer setRuntime(nil)

	if opt.CfgPath != "" {
		if err := h.Watch(ctx, opt.CfgPath); err != nil {
			log.Warnf("peer: config watch disabled: %v", err)
		}
	}
	go logPresence(ctx, h.Presence())

	// ── Status server (optional)
	var srv *http.Server
	if opt.HTTPAddr != "" {
		step++
		listen, url := NormalizeLocalAddr(opt.HTTPAddr)
		emit(step, total, "status server "+url)
		srv = &http.Server{
			Addr:              listen,
			Handler:           statusMux(h),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("peer: status server: %v", err)
			}
		}()
	}

	step++
	emit(step, total, "online as "+h.SelfID())
	log.Infof("peer: %s online via %s", h.SelfID(), cfg.Transport.Kind)

	<-ctx.Done()
	log.Infof("peer: context cancelled, going offline")

	shctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shctx)
	}
	h.Shutdown(shctx)
	log.Infof("peer: offline")
	return nil
}

// resolvePaths makes the file paths in cfg relative to the peer folder.
func resolvePaths(peerDir string, cfg config.Config) config.Config {
	if peerDir == "" {
		return cfg
	}
	if cfg.Call.HistoryDB != "" {
		cfg.Call.HistoryDB = util.ResolvePath(peerDir, cfg.Call.HistoryDB)
	}
	if cfg.Transport.KeyFile != "" {
		cfg.Transport.KeyFile = util.ResolvePath(peerDir, cfg.Transport.KeyFile)
	}
	return cfg
}

func statusMux(h *hub.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(StatusSnapshot())
	})
	mux.Handle("/metrics", h.MetricsHandler())
	return mux
}

func logPresence(ctx context.Context, t *presence.Tracker) {
	feed := t.Subscribe()
	defer t.Unsubscribe(feed)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if ev.Record != nil {
				log.Infof("presence: %s is %s", ev.UserID, ev.Record.Status)
			} else {
				log.Infof("presence: %s left", ev.UserID)
			}
		}
	}
}

// consoleDisplay shows notifications in the log.
type consoleDisplay struct{}

func (consoleDisplay) Toast(n notify.Notification) {
	log.Infof("notify [%s]: %s: %s", n.Priority, n.Title, n.Body)
}

func (consoleDisplay) Native(n notify.Notification) error {
	log.Warnf("NOTIFY: %s: %s", n.Title, n.Body)
	return nil
}
