// Torrent layout server
//
// Serves the dispatcher's commands over HTTP:
//
//	POST   /torrents?dir=/data                 body: .torrent file, returns the info hash
//	GET    /torrents                           every torrent
//	GET    /torrents/{hash}                    one torrent
//	DELETE /torrents/{hash}
//	POST   /torrents/{hash}/select?mode=whitelist   body: one path per line
//	POST   /torrents/{hash}/pause
//	POST   /torrents/{hash}/resume
//	GET    /torrents/{hash}/progress
//	GET    /torrents/{hash}/pieces/{piece}     file ranges covered by a piece
//	GET    /torrents/{hash}/bitfield           verified pieces as a BITFIELD message
//
// With -inspect the layout of a .torrent file is printed and the program exits.

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"torrent-layout/internal/config"
	"torrent-layout/internal/constants"
	"torrent-layout/internal/dispatcher"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "JSON config file")
	listen := flag.String("listen", "", "address to serve on, overrides the config")
	dir := flag.String("dir", "", "default download directory, overrides the config")
	autoStart := flag.Bool("autostart", false, "start torrents as soon as existing data is checked")
	logLevel := flag.String("log-level", "", "panic, fatal, error, warn, info, debug or trace")
	inspect := flag.String("inspect", "", "print the layout of a .torrent file and exit")
	raw := flag.Bool("raw", false, "with -inspect, dump the decoded file as JSON instead")
	flag.Parse()

	if *inspect != "" {
		if *raw {
			CheckError(dumpTorrent(os.Stdout, *inspect))
		} else {
			CheckError(inspectTorrent(os.Stdout, *inspect))
		}
		return
	}

	cfg, err := config.Load(*configPath)
	CheckError(err)
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *dir != "" {
		cfg.DownloadDir = *dir
	}
	if *autoStart {
		cfg.AutoStart = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	CheckError(cfg.Validate())

	log := cfg.Logger()
	log.WithFields(logrus.Fields{
		"version": constants.VERSION,
		"config":  *configPath,
	}).Info(constants.CLIENT_NAME + " starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := dispatcher.New(cfg, dispatcher.WithLogger(logrus.NewEntry(log)))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newHandler(d, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx)
	})
	g.Go(func() error {
		log.WithField("addr", cfg.ListenAddr).Info("Listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("Server stopped")
	}
	log.Info("Bye")
}
