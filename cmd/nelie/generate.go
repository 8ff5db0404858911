package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"nelie/internal/core"
	"nelie/internal/server"
)

func newGenerateCmd() *cobra.Command {
	var (
		input     string
		title     string
		subject   string
		grade     int
		interests []string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one adventure and print it as JSON",
		Long: "Generate one adventure and print it as JSON.\n\n" +
			"The request is built from the flags, or read from --input (a file, or - for stdin)\n" +
			"in the same shape POST /generate-adventure accepts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(cmd, input, title, subject, grade, interests)
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			application, err := newApp(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}
			defer func() {
				if err := application.Shutdown(context.Background()); err != nil {
					logger.Error("shutdown failed", "error", err)
				}
			}()

			res, genErr := application.Pipeline().Generate(ctx, req)
			if err := writeJSON(cmd.OutOrStdout(), server.Envelope(req, res, genErr), cfg.Config.Server.MinifyJSON); err != nil {
				return err
			}
			return genErr
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "read the request JSON from a file (- for stdin)")
	cmd.Flags().StringVar(&title, "title", "", "adventure title")
	cmd.Flags().StringVar(&subject, "subject", "", "subject, e.g. Math")
	cmd.Flags().IntVar(&grade, "grade", 0, "grade level, 0 (kindergarten) to 12")
	cmd.Flags().StringSliceVar(&interests, "interest", nil, "student interest (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("input", "title")
	return cmd
}

func buildRequest(cmd *cobra.Command, input, title, subject string, grade int, interests []string) (core.GenerationRequest, error) {
	var req core.GenerationRequest
	if input == "" {
		req.Adventure.Title = title
		req.Adventure.Subject = subject
		req.Adventure.GradeLevel = core.NewGradeLevel(grade)
		req.StudentProfile.Interests = interests
		return req, nil
	}

	var r io.Reader = cmd.InOrStdin()
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return req, fmt.Errorf("open input: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return req, fmt.Errorf("decode input: %w", err)
	}
	return req, nil
}

func writeJSON(w io.Writer, v any, minify bool) error {
	enc := json.NewEncoder(w)
	if !minify {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
