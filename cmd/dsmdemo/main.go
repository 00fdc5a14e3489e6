// Command dsmdemo runs one node of a two-node shared region and exercises it
// with a test workload. Start the initiator and the joiner with mirrored
// -listen and -peer addresses and the same -pages and -test.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gosuda.org/dsm"
	"gosuda.org/dsm/internal/trace"
)

var (
	role     = flag.String("role", "initiator", "initiator or joiner")
	listen   = flag.String("listen", ":54213", "address to accept peer requests on")
	peer     = flag.String("peer", "", "address of the other node")
	pages    = flag.Int("pages", 64, "number of pages in the shared region")
	test     = flag.String("test", "counting", "workload: "+strings.Join(workloadNames(), ", "))
	count    = flag.Int("n", 0, "iterations; 0 uses the workload's default")
	linger   = flag.Duration("linger", 10*time.Second, "time to keep serving the peer after the workload ends")
	fetch    = flag.Duration("fetch-timeout", dsm.DefaultFetchTimeout, "bound on reaching the peer with a page request")
	logLevel = flag.String("log", "info", "log level: error, warn, info, debug")
)

func main() {
	flag.Parse()

	if l, ok := trace.ParseLevel(*logLevel); ok {
		trace.SetLevel(l)
	} else {
		trace.Fatalf("unknown log level %q", *logLevel)
	}

	cfg := dsm.Config{
		ListenAddr:   *listen,
		PeerAddr:     *peer,
		Pages:        *pages,
		FetchTimeout: *fetch,
	}
	switch *role {
	case "initiator", "master":
		cfg.Role = dsm.Initiator
	case "joiner", "slave":
		cfg.Role = dsm.Joiner
	default:
		trace.Fatalf("unknown role %q", *role)
	}

	w, ok := workloads[*test]
	if !ok {
		trace.Fatalf("unknown test %q (have %s)", *test, strings.Join(workloadNames(), ", "))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := dsm.InitializeSession(ctx, cfg)
	if err != nil {
		trace.Fatalf("initialize session: %v", err)
	}
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n := *count
		if n <= 0 {
			n = w.defaultN
		}
		return w.run(gctx, s, n)
	})
	if err := g.Wait(); err != nil {
		trace.Errorf("%s: %v", *test, err)
	}

	st := s.Stats()
	trace.Infof("faults=%d requests=%d received=%d served=%d dropped=%d failures=%d",
		st.Faults, st.Requests, st.Received, st.Served, st.Dropped, st.Failures)

	// The peer may still need pages owned here.
	select {
	case <-ctx.Done():
	case <-time.After(*linger):
	}
}
