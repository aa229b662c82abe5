package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/LJTian/NewsHub/internal/aggregator"
	"github.com/LJTian/NewsHub/internal/collector"
	"github.com/LJTian/NewsHub/internal/session"
	"github.com/LJTian/NewsHub/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	commandPrompt = "Enter command: "
	msgNeedLogin  = "You need to login first."
)

// Client 会话相关操作，由 session.Session 实现
type Client interface {
	LoggedIn() bool
	Login(ctx context.Context, baseURL, username, password string) (string, error)
	Logout(ctx context.Context) (string, error)
	PostStory(ctx context.Context, draft collector.StoryDraft) (*session.PostResult, error)
	DeleteStory(ctx context.Context, key string) (string, error)
}

type NewsService interface {
	AggregateRaw(ctx context.Context, category, region, date, target string) (*aggregator.Result, error)
}

type Directory interface {
	Fetch(ctx context.Context) ([]collector.Agency, error)
}

type History interface {
	SaveRun(ctx context.Context, run *storage.QueryRun) error
	ListRuns(ctx context.Context, limit int) ([]storage.QueryRun, error)
}

// Deps History 可以为 nil
type Deps struct {
	Session   Client
	News      NewsService
	Directory Directory
	History   History
	Logger    *zap.Logger
}

// Shell 交互式命令循环。每行输入用一棵新的 cobra 命令树解析，出错只打印，不退出循环。
type Shell struct {
	in   *bufio.Scanner
	out  io.Writer
	deps Deps
}

func NewShell(in io.Reader, out io.Writer, deps Deps) *Shell {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Shell{in: bufio.NewScanner(in), out: out, deps: deps}
}

// Run 循环读取命令，直到 exit 或输入结束
func (s *Shell) Run(ctx context.Context) error {
	for {
		fmt.Fprint(s.out, commandPrompt)
		if !s.in.Scan() {
			fmt.Fprintln(s.out)
			return s.in.Err()
		}
		if s.Execute(ctx, s.in.Text()) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

var knownCommands = map[string]bool{
	"login": true, "logout": true, "post": true, "news": true,
	"list": true, "delete": true, "history": true, "exit": true, "help": true,
}

// Execute 执行一行命令，返回 true 表示应当退出
func (s *Shell) Execute(ctx context.Context, line string) bool {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return false
	}
	if !knownCommands[tokens[0]] {
		fmt.Fprintln(s.out, "Invalid command")
		return false
	}
	if tokens[0] == "exit" {
		return true
	}

	root := s.newRoot(ctx)
	root.SetArgs(normalizeFlags(tokens))
	if err := root.Execute(); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return false
}

// normalizeFlags 兼容单横线长参数：-cat tech → --cat tech
func normalizeFlags(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		if len(t) > 2 && t[0] == '-' && t[1] != '-' {
			t = "-" + t
		}
		out[i] = t
	}
	return out
}

func (s *Shell) newRoot(ctx context.Context) *cobra.Command {
	root := &cobra.Command{
		Use:           "newshub",
		Short:         "Interact with the news agency federation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(s.out)
	root.SetErr(s.out)
	root.SetContext(ctx)

	root.AddCommand(
		s.loginCmd(),
		s.logoutCmd(),
		s.postCmd(),
		s.newsCmd(),
		s.listCmd(),
		s.deleteCmd(),
		s.historyCmd(),
	)
	return root
}

func (s *Shell) prompt(label string) (string, bool) {
	fmt.Fprint(s.out, label)
	if !s.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(s.in.Text()), true
}

func (s *Shell) loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <url>",
		Short: "Log in to a news agency",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				fmt.Fprintln(s.out, "URL is required for the login command.")
				return nil
			}
			user, ok := s.prompt("Enter username: ")
			if !ok {
				return nil
			}
			pass, ok := s.prompt("Enter password: ")
			if !ok {
				return nil
			}
			msg, err := s.deps.Session.Login(cmd.Context(), args[0], user, pass)
			if err != nil {
				fmt.Fprintf(s.out, "Login failed: %v\n", err)
				return nil
			}
			fmt.Fprintln(s.out, msg)
			return nil
		},
	}
}

func (s *Shell) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out of the current agency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			msg, err := s.deps.Session.Logout(cmd.Context())
			switch {
			case errors.Is(err, session.ErrNotLoggedIn):
				fmt.Fprintln(s.out, "You are not logged in.")
			case err != nil:
				fmt.Fprintf(s.out, "Logout failed: %v\n", err)
			default:
				fmt.Fprintln(s.out, msg)
			}
			return nil
		},
	}
}

func (s *Shell) postCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "post",
		Short: "Post a story to the current agency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !s.deps.Session.LoggedIn() {
				fmt.Fprintln(s.out, msgNeedLogin)
				return nil
			}
			var draft collector.StoryDraft
			fields := []struct {
				label string
				dst   *string
			}{
				{"Enter story headline: ", &draft.Headline},
				{"Enter story category: ", &draft.Category},
				{"Enter story region: ", &draft.Region},
				{"Enter story details: ", &draft.Details},
			}
			for _, f := range fields {
				v, ok := s.prompt(f.label)
				if !ok {
					return nil
				}
				*f.dst = v
			}

			res, err := s.deps.Session.PostStory(cmd.Context(), draft)
			if err != nil {
				fmt.Fprintf(s.out, "Failed to post story: %v\n", err)
				return nil
			}
			fmt.Fprintln(s.out, "Story posted successfully")
			if res.StoryID != nil {
				fmt.Fprintf(s.out, "Story ID: %v\n", res.StoryID)
			}
			return nil
		},
	}
}

func (s *Shell) newsCmd() *cobra.Command {
	var id, cat, reg, date string
	cmd := &cobra.Command{
		Use:   "news",
		Short: "Retrieve news stories by applying various filters",
		Long: `Retrieve news stories from every agency in the directory, or only the one given by -id.
At most result_cap (default 20) stories are shown, in directory order.
Agencies are queried concurrently (concurrency, default 4), so a few more agencies than
needed may be contacted before the cap is reached; NEWSHUB_CONCURRENCY=1 queries them
one at a time and stops at the agency that fills the cap.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			res, err := s.deps.News.AggregateRaw(cmd.Context(), cat, reg, date, id)
			switch {
			case errors.Is(err, aggregator.ErrNotLoggedIn):
				fmt.Fprintln(s.out, msgNeedLogin)
				return nil
			case err != nil:
				return err
			}

			if len(res.Blocks) == 0 {
				fmt.Fprintln(s.out, "No news found.")
			} else {
				fmt.Fprintln(s.out, res.String())
			}
			s.record(cmd.Context(), cat, reg, date, id, res, time.Since(start))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "unique identifier of the news agency to target")
	cmd.Flags().StringVar(&cat, "cat", collector.Wildcard, "story category: pol, art, tech, trivia")
	cmd.Flags().StringVar(&reg, "reg", collector.Wildcard, "story region: uk, eu, w")
	cmd.Flags().StringVar(&date, "date", collector.Wildcard, "stories on or after this date, dd/mm/yyyy")
	return cmd
}

func (s *Shell) record(ctx context.Context, cat, reg, date, target string, res *aggregator.Result, took time.Duration) {
	if s.deps.History == nil {
		return
	}
	filters, err := collector.NewFilterCriteria(cat, reg, date)
	if err != nil {
		return
	}
	run, err := storage.RunFromResult(filters, aggregator.NormalizeTarget(target), "cli", res, took)
	if err == nil {
		err = s.deps.History.SaveRun(ctx, run)
	}
	if err != nil {
		s.deps.Logger.Warn("save run failed", zap.Error(err))
	}
}

func (s *Shell) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all registered news agencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !s.deps.Session.LoggedIn() {
				fmt.Fprintln(s.out, msgNeedLogin)
				return nil
			}
			agencies, err := s.deps.Directory.Fetch(cmd.Context())
			if err != nil {
				fmt.Fprintf(s.out, "Failed to list agencies: %v\n", err)
				return nil
			}
			for _, a := range agencies {
				fmt.Fprintf(s.out, "%-8s %-40s %s\n", a.Code, a.Name, a.URL)
			}
			return nil
		},
	}
}

func (s *Shell) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete one of your stories by key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				fmt.Fprintln(s.out, "Story key is required for the delete command.")
				return nil
			}
			msg, err := s.deps.Session.DeleteStory(cmd.Context(), args[0])
			switch {
			case errors.Is(err, session.ErrNotLoggedIn):
				fmt.Fprintln(s.out, msgNeedLogin)
			case err != nil:
				fmt.Fprintf(s.out, "Failed to delete story: %v\n", err)
			default:
				if msg == "" {
					msg = "Story deleted successfully"
				}
				fmt.Fprintln(s.out, msg)
			}
			return nil
		},
	}
}

func (s *Shell) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent news queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if s.deps.History == nil {
				fmt.Fprintln(s.out, "History is not enabled.")
				return nil
			}
			runs, err := s.deps.History.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(s.out, "No queries yet.")
				return nil
			}
			for _, r := range runs {
				target := r.Target
				if target == "" {
					target = "all"
				}
				fmt.Fprintf(s.out, "%s  %-5s cat=%s reg=%s date=%s id=%s stories=%d failed=%d took=%dms\n",
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Source,
					r.Category, r.Region, r.Date, target, r.Total, r.Failed, r.DurationMS)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of queries to show")
	return cmd
}
