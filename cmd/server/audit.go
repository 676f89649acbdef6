package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/warp/postboard/logging"
	"github.com/warp/postboard/posts"
)

// errDrift makes the audit command exit non-zero.
var errDrift = errors.New("counter drift detected")

// runAudit opens only the store; auth and HTTP settings are not needed.
func runAudit(ctx context.Context, flags *rootFlags, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if err := cfg.ValidateStorage(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, closer, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	report, err := posts.NewAuditor(store, logger.Named("audit")).Audit(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	if !report.Consistent() {
		return errDrift
	}
	return nil
}
