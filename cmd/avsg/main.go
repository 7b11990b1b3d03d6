// avsg exports driving scenes from a scene store into fixed-shape agent and
// map tensors for scenario generation.
//
// Usage:
//
//	avsg [--config_file_name=config_sample] [--source_name=train_data_loader] [--verbose=0]
//	avsg inspect AVSG_Data/l5kit_data_config_sample_train_data_loader
//	avsg synth --root=/data/l5kit
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/avsg/internal/monitoring"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	monitoring.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
