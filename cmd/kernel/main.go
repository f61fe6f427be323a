// Command codebox-kernel is the interpreter kernel launched by the
// subprocess executor. It speaks newline-delimited JSON frames on stdio:
// protocol traffic on stdout, logs on stderr.
package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/executor"
	"github.com/codebox-ai/codebox/internal/logging"
)

func main() {
	log, err := logging.New(logging.Config{Level: "info", OutputPaths: []string{"stderr"}})
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	if err := executor.ServeKernel(context.Background(), os.Stdin, os.Stdout, log); err != nil {
		log.Error("kernel terminated", zap.Error(err))
		os.Exit(2)
	}
}
