// Package main runs an in-process miniredis server for local development,
// so the server and worker binaries can be exercised without a real Redis.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"

	"github.com/guido-cesarano/groupqueue/pkg/config"
	"github.com/guido-cesarano/groupqueue/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Redis.Port)

	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(addr); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start miniredis")
	}
	defer s.Close()

	logger.Log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Log.Info().Msg("Shutting down MiniRedis...")
}
