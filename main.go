/*
Copyright 2022 The l7mp/stunner team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/l7mp/dpublish/examples/blog"
	"github.com/l7mp/dpublish/internal/buildinfo"
	"github.com/l7mp/dpublish/pkg/publish"
	"github.com/l7mp/dpublish/pkg/store"
	"github.com/l7mp/dpublish/pkg/util"
	"github.com/l7mp/dpublish/pkg/visualize"
)

// event is a watch event as printed to the standard output.
type event struct {
	Type   watch.EventType `json:"type"`
	Object any             `json:"object"`
}

func main() {
	var fixture, author, metricsAddr, diagram string
	var duration time.Duration

	flag.StringVar(&fixture, "fixture", "examples/blog/testdata/blog.yaml", "The YAML fixture to load into the store.")
	flag.StringVar(&author, "author", "", "Publish the posts of this user only. Publishes every post if empty.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080",
		"The address the metric endpoint binds to. Set to \"0\" to disable the metrics endpoint.")
	flag.DurationVar(&duration, "duration", 0, "Stop after the given duration. Runs until interrupted if zero.")
	flag.StringVar(&diagram, "visualize", "", "Print the publication spec tree as a diagram (dot or mermaid) and exit.")

	opts := zap.Options{
		Development:     true,
		DestWriter:      os.Stderr,
		StacktraceLevel: zapcore.Level(3),
		TimeEncoder:     zapcore.RFC3339NanoTimeEncoder,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	logger := zap.New(zap.UseFlagOptions(&opts)).WithName("dpublish")
	setupLog := logger.WithName("setup")

	setupLog.Info(fmt.Sprintf("starting dpublish %s", buildinfo.Get().String()))

	root, name, args := blog.AllPosts(), "allPosts", []any{}
	if author != "" {
		root, name, args = blog.UserPosts(), "userPosts", []any{author}
	}

	if diagram != "" {
		if err := printDiagram(diagram, name, root, args...); err != nil {
			setupLog.Error(err, "unable to render diagram")
			os.Exit(1)
		}
		return
	}

	st := store.New(store.Options{Logger: logger})
	if err := st.LoadFile(fixture); err != nil {
		setupLog.Error(err, "unable to load fixture", "path", fixture)
		os.Exit(1)
	}

	ctx, cancel := signals.SetupSignalHandler(), context.CancelFunc(func() {})
	if duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, duration)
	}

	if metricsAddr != "0" {
		go serveMetrics(ctx, metricsAddr, logger.WithName("metrics"))
	}

	pub := publish.New(root, st, publish.Options{Name: name, Logger: logger})
	w, err := publish.Watch(ctx, pub, args...)
	if err != nil {
		setupLog.Error(err, "unable to start publication", "publication", name)
		cancel()
		os.Exit(1)
	}

	setupLog.Info("publication running", "publication", name, "collections", st.Collections())

	for ev := range w.ResultChan() {
		fmt.Println(util.Stringify(event{Type: ev.Type, Object: ev.Object}))
	}

	// os.Exit skips deferred calls
	w.Stop()
	cancel()

	if err := pub.Err(); err != nil {
		setupLog.Error(err, "publication failed", "publication", name)
		os.Exit(1)
	}

	setupLog.Info("publication stopped", "publication", name, "revision", pub.Revision())
}

func printDiagram(format, name string, root publish.Root, args ...any) error {
	gen, err := visualize.NewGenerator(format)
	if err != nil {
		return err
	}
	spec, err := root.Resolve(args...)
	if err != nil {
		return err
	}
	fmt.Print(gen.Generate(visualize.BuildGraph(name, spec)))
	return nil
}

func serveMetrics(ctx context.Context, addr string, log logr.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close() //nolint:errcheck
	}()

	log.Info("serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(err, "metrics server failed")
	}
}
