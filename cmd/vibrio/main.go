// Command vibrio prepares YOLO datasets and trains, runs and evaluates the
// Vibrio detection model.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ayusman/vibrio/internal/apperr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	args, legacy := rewriteLegacyArgs(args)

	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if legacy {
		// The old interface accepted every flag for every action.
		for _, c := range root.Commands() {
			c.FParseErrWhitelist = cobra.FParseErrWhitelist{UnknownFlags: true}
		}
	}

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, diagnose(err))
		return apperr.ExitCode(err)
	}
	return 0
}

// rewriteLegacyArgs turns "--action X" into the subcommand X so scripts
// written for the single-entry interface keep working.
func rewriteLegacyArgs(args []string) ([]string, bool) {
	for i, a := range args {
		var action string
		var rest []string
		switch {
		case a == "--action" && i+1 < len(args):
			action = args[i+1]
			rest = append(append([]string{}, args[:i]...), args[i+2:]...)
		case strings.HasPrefix(a, "--action="):
			action = strings.TrimPrefix(a, "--action=")
			rest = append(append([]string{}, args[:i]...), args[i+1:]...)
		default:
			continue
		}
		return append([]string{action}, rest...), true
	}
	return args, false
}

// diagnose formats err for the terminal, adding the next step where one is known.
func diagnose(err error) string {
	msg := "Error: " + err.Error()
	switch apperr.KindOf(err) {
	case apperr.ModelNotFound:
		msg += "\nTrain a model first, e.g. 'vibrio train --create-samples', or copy weights into the models directory."
	case apperr.MissingDatasetConfig:
		msg += "\nThe dataset descriptor is written by 'vibrio train'; pass --data to evaluate another dataset."
	case apperr.ImageNotFound:
		msg += "\nCheck the image path, or run 'vibrio create-samples' to generate sample images."
	}
	return msg
}
