package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"browserd/internal/handlers"
	"browserd/internal/profiles"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var handler string
	var taskTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <url>",
		Short: "Run a task synchronously and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			body := handlers.TaskRequest{
				Payload:   mustJSON(map[string]string{"handler": handler, "url": args[0]}),
				TimeoutMS: taskTimeout.Milliseconds(),
			}
			status, data, err := newClient(opts).do(ctx, http.MethodPost, "/api/v1/tasks/run", body)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				printJSON(cmd.ErrOrStderr(), data)
				return apiError(status, data)
			}
			return printJSON(cmd.OutOrStdout(), []byte(gjson.GetBytes(data, "value").Raw))
		},
	}
	cmd.Flags().StringVar(&handler, "handler", "title", "task handler to run")
	cmd.Flags().DurationVar(&taskTimeout, "task-timeout", 0, "task deadline (server default when zero)")
	return cmd
}

func newScrapeCmd(opts *rootOptions) *cobra.Command {
	var req profiles.ScrapeRequest
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "scrape <profile-url>",
		Short: "Scrape a LinkedIn profile and print the stored document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.URL = args[0]
			if req.Cookie == "" {
				return errors.New("--cookie is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			c := newClient(opts)

			status, data, err := c.do(ctx, http.MethodPost, "/profiles/scrape", req)
			if err != nil {
				return err
			}
			if status != http.StatusAccepted {
				return apiError(status, data)
			}
			taskID := gjson.GetBytes(data, "task_id").String()
			profileID := gjson.GetBytes(data, "profile_id").String()
			fmt.Fprintf(cmd.ErrOrStderr(), "Queued task %s for profile %s\n", taskID, profileID)

			if err := waitForScrape(ctx, c, taskID, poll); err != nil {
				return err
			}

			status, data, err = c.do(ctx, http.MethodGet, "/profiles/"+profileID, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return apiError(status, data)
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&req.Cookie, "cookie", "", "li_at session cookie")
	cmd.Flags().BoolVar(&req.ScrapePosts, "posts", false, "also scrape recent posts")
	cmd.Flags().BoolVar(&req.ScrapeComments, "comments", false, "also scrape recent comments")
	cmd.Flags().BoolVar(&req.ScrapeReactions, "reactions", false, "also scrape recent reactions")
	cmd.Flags().DurationVar(&poll, "poll", 2*time.Second, "status poll interval")
	return cmd
}

// waitForScrape polls the task until it completes or fails.
func waitForScrape(ctx context.Context, c *client, taskID string, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		status, data, err := c.do(ctx, http.MethodGet, "/tasks/"+taskID, nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return apiError(status, data)
		}
		switch gjson.GetBytes(data, "status").String() {
		case "completed":
			return nil
		case "error":
			return fmt.Errorf("scrape failed: %s", gjson.GetBytes(data, "error").String())
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that browserd is healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			status, data, err := newClient(opts).do(ctx, http.MethodGet, "/health", nil)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), data); err != nil {
				return err
			}
			if status != http.StatusOK {
				return apiError(status, data)
			}
			return nil
		},
	}
}

func newAPIKeyCmd() *cobra.Command {
	var app, env string
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Generate an API key and the hash to add to API_KEY_HASHES",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, hash, err := handlers.GenerateAPIKey(app, env)
			if err != nil {
				return fmt.Errorf("generate API key: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "API key:  %s\n", key)
			fmt.Fprintf(out, "Hash:     %s\n", hash)
			fmt.Fprintln(out, "The key is shown once; store it now and add the hash to API_KEY_HASHES.")
			return nil
		},
	}
	cmd.Flags().StringVar(&app, "app", "browserd", "application name")
	cmd.Flags().StringVar(&env, "env", "production", "environment name")
	return cmd
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
