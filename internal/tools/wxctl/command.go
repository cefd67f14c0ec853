package wxctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/misszhang/rosterboard/internal/config"
	"github.com/misszhang/rosterboard/internal/mail"
	"github.com/misszhang/rosterboard/internal/tools/common"
	"github.com/misszhang/rosterboard/internal/tools/ui"
	"github.com/misszhang/rosterboard/internal/wechat"
)

// ErrCommandFailed marks a command whose remote operation failed after the
// outcome was already reported.
var ErrCommandFailed = errors.New("command failed")

type options struct {
	envFile string
	ci      bool
	timeout time.Duration
	baseURL string

	cfg *config.Config
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "wxctl",
		Short:         "Operate the rosterboard Official Account and service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(opts.envFile); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "env file loaded before reading configuration")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall command timeout")
	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "http://localhost:8000", "rosterboard base URL for probe and webhook commands")

	cmd.AddCommand(
		newTokenCommand(opts),
		newFollowersCommand(opts),
		newUserCommand(opts),
		newMenuCommand(opts),
		newAuthorizeURLCommand(opts),
		newMailCommand(opts),
		newProbeCommand(opts),
		newWebhookCommand(opts),
	)
	return cmd
}

// execute runs fn with either the progress view or, under --ci, a single
// JSON result line.
func execute(opts *options, title string, fn func(context.Context) ([]string, error)) error {
	var (
		details []string
		err     error
	)
	if opts.ci {
		ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
		defer cancel()
		details, err = fn(ctx)
		common.PrintCIResult(err == nil, title, details, err)
	} else {
		details, err = ui.Run(title, fn)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCommandFailed, title, err)
	}
	return nil
}

func (o *options) client() *wechat.Client {
	return wechat.NewClient(wechat.Options{
		AppID:      o.cfg.WeChatAppID,
		AppSecret:  o.cfg.WeChatAppSecret,
		BaseURL:    o.cfg.WeChatAPIBaseURL,
		HTTPClient: wechat.NewHTTPClient(o.cfg.WeChatHTTPTimeout),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func (o *options) notifier() *mail.SMTPNotifier {
	return mail.NewSMTPNotifier(mail.OptionsFromConfig(o.cfg), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTokenCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Fetch an access token to check the app credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "wxctl token", func(ctx context.Context) ([]string, error) {
				return tokenDetails(ctx, opts.client())
			})
		},
	}
}

func newFollowersCommand(opts *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "followers",
		Short: "List follower openids",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "wxctl followers", func(ctx context.Context) ([]string, error) {
				return followerDetails(ctx, opts.client(), all)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "follow next_openid through every page")
	return cmd
}

func newUserCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "user <openid>",
		Short: "Show the profile and subscription state of one openid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "wxctl user", func(ctx context.Context) ([]string, error) {
				return userDetails(ctx, opts.client(), args[0])
			})
		},
	}
}

func newMenuCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "menu", Short: "Manage the custom menu"}

	var siteURL string
	create := &cobra.Command{
		Use:   "create",
		Short: "Publish the default menu pointing at the board",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := siteURL
			if target == "" {
				target = opts.cfg.WeChatMenuURL
			}
			if target == "" {
				return errors.New("menu create: --url or WECHAT_MENU_URL is required")
			}
			return execute(opts, "wxctl menu create", func(ctx context.Context) ([]string, error) {
				return menuCreateDetails(ctx, opts.client(), target)
			})
		},
	}
	create.Flags().StringVar(&siteURL, "url", "", "page opened by the menu button")

	get := &cobra.Command{
		Use:   "get",
		Short: "Show the published menu",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "wxctl menu get", func(ctx context.Context) ([]string, error) {
				return menuGetDetails(ctx, opts.client())
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove the published menu",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "wxctl menu delete", func(ctx context.Context) ([]string, error) {
				if err := opts.client().DeleteMenu(ctx); err != nil {
					return nil, err
				}
				return []string{"menu deleted"}, nil
			})
		},
	}
	cmd.AddCommand(create, get, del)
	return cmd
}

func newAuthorizeURLCommand(opts *options) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "authorize-url",
		Short: "Print the web authorization link for WECHAT_REDIRECT_URI",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.WeChatRedirectURI == "" {
				return errors.New("authorize-url: WECHAT_REDIRECT_URI is not set")
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), opts.client().AuthorizeURL(opts.cfg.WeChatRedirectURI, state))
			return err
		},
	}
	cmd.Flags().StringVar(&state, "state", "rosterboard", "state echoed back on the redirect")
	return cmd
}

func newMailCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "mail", Short: "Check upload notification mail"}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Connect, STARTTLS and authenticate against the SMTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "wxctl mail check", func(ctx context.Context) ([]string, error) {
				n := opts.notifier()
				if err := n.CheckConnection(ctx); err != nil {
					return nil, err
				}
				return []string{fmt.Sprintf("smtp %s:%d accepted credentials", opts.cfg.SMTPServer, opts.cfg.SMTPPort)}, nil
			})
		},
	})
	return cmd
}

func tokenDetails(ctx context.Context, c *wechat.Client) ([]string, error) {
	if !c.Configured() {
		return nil, errors.New("WECHAT_APP_ID and WECHAT_APP_SECRET are required")
	}
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return []string{"access token acquired: " + mask(token)}, nil
}

func followerDetails(ctx context.Context, c *wechat.Client, all bool) ([]string, error) {
	if all {
		ids, err := c.AllFollowers(ctx)
		if err != nil {
			return nil, err
		}
		return append([]string{fmt.Sprintf("followers: %d", len(ids))}, ids...), nil
	}
	page, err := c.Followers(ctx, "")
	if err != nil {
		return nil, err
	}
	details := []string{fmt.Sprintf("followers: %d total, %d on this page", page.Total, page.Count)}
	details = append(details, page.OpenIDs...)
	if page.NextOpenID != "" && page.Count < page.Total {
		details = append(details, "next_openid="+page.NextOpenID)
	}
	return details, nil
}

func userDetails(ctx context.Context, c *wechat.Client, openID string) ([]string, error) {
	info, err := c.UserInfo(ctx, openID)
	if err != nil {
		return nil, err
	}
	return []string{
		"openid=" + info.OpenID,
		fmt.Sprintf("subscribed=%t", info.Subscribe == 1),
		"nickname=" + info.Nickname,
		"city=" + info.City,
	}, nil
}

func menuCreateDetails(ctx context.Context, c *wechat.Client, siteURL string) ([]string, error) {
	menu := wechat.DefaultMenu(siteURL)
	if err := c.CreateMenu(ctx, menu); err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("menu published: %s -> %s", menu.Button[0].Name, siteURL)}, nil
}

func menuGetDetails(ctx context.Context, c *wechat.Client) ([]string, error) {
	menu, err := c.Menu(ctx)
	if err != nil {
		return nil, err
	}
	var details []string
	for _, b := range menu.Button {
		details = append(details, describeButton(b, ""))
		for _, sub := range b.SubButton {
			details = append(details, describeButton(sub, "  "))
		}
	}
	if len(details) == 0 {
		details = []string{"menu is empty"}
	}
	return details, nil
}

func describeButton(b wechat.MenuButton, indent string) string {
	switch {
	case b.URL != "":
		return fmt.Sprintf("%s%s [%s] %s", indent, b.Name, b.Type, b.URL)
	case b.Key != "":
		return fmt.Sprintf("%s%s [%s] key=%s", indent, b.Name, b.Type, b.Key)
	default:
		return indent + b.Name
	}
}

func mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "…" + s[len(s)-4:]
}
