package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/ChuLiYu/licensekit/internal/core"
	"github.com/ChuLiYu/licensekit/internal/event"
	"github.com/ChuLiYu/licensekit/internal/license"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/pkg/types"
	"github.com/spf13/cobra"
)

func buildInfoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show product and engine information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(s *session) error {
				p, err := s.core.Product()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Product:   %s (%s)\n", p.Name, p.ID)
				fmt.Fprintf(out, "Build:     %d\n", p.BuildID)
				fmt.Fprintf(out, "Engine:    %s [%s]\n", p.Version, a.cfg.Engine.Mode)
				fmt.Fprintf(out, "Entities:  %d\n", len(s.core.Entities()))
				return nil
			})
		},
	}
}

func buildEntitiesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "entities",
		Short: "List protected entities with their license status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(s *session) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tMODEL\tSTATUS\tACCESSIBLE\tREMAINING")
				for _, e := range s.core.Entities() {
					lic := e.License()
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
						e.ID(), e.Name(), lic.Model(), lic.Status(), e.Accessible(), remaining(lic))
				}
				return tw.Flush()
			})
		},
	}
}

// remaining 以一行文字描述試用剩餘量
func remaining(lic *license.License) string {
	insp, err := lic.Inspector()
	if err != nil {
		return "-"
	}
	switch m := insp.(type) {
	case *license.AccessTime:
		if n, err := m.TimesLeft(); err == nil {
			return fmt.Sprintf("%d accesses", n)
		}
	case license.TimeLimited:
		if n, err := m.SecondsLeft(); err == nil {
			return fmt.Sprintf("%ds", n)
		}
	}
	return "-"
}

// parseActionFlag 解析 kind[:entity][,param=value...]
func parseActionFlag(s string) (core.ActionSpec, error) {
	var spec core.ActionSpec
	parts := strings.Split(s, ",")
	head := parts[0]

	kind, entity, _ := strings.Cut(head, ":")
	id, ok := types.ParseActionID(kind)
	if !ok {
		return spec, fmt.Errorf("unknown action %q: %w", kind, sdkerr.ErrInvalidValue)
	}
	spec.Action, spec.Entity = id, entity

	for _, kv := range parts[1:] {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return spec, fmt.Errorf("bad parameter %q in %q (want name=value): %w", kv, s, sdkerr.ErrInvalidValue)
		}
		if spec.Params == nil {
			spec.Params = make(map[string]any)
		}
		spec.Params[name] = value
	}
	return spec, nil
}

func buildRequestCommand(a *app) *cobra.Command {
	var actions []string

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Generate a request code for one or more actions",
		Long: `Generate a request code. Each --action is kind[:entity][,param=value...], e.g.

  licensekit request --action unlock:editor
  licensekit request --action addAccessTime:editor,addedAccessTime=25 --action lock:export`,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs := make([]core.ActionSpec, 0, len(actions))
			for _, s := range actions {
				spec, err := parseActionFlag(s)
				if err != nil {
					return err
				}
				specs = append(specs, spec)
			}
			return a.withSession(cmd, func(s *session) error {
				code, err := s.core.RequestCode(cmd.Context(), specs)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), code)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&actions, "action", "a", nil, "action as kind[:entity][,param=value...] (repeatable, order kept)")
	cmd.MarkFlagRequired("action")
	return cmd
}

func buildIssueCommand(a *app) *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a license code for a request code (memory engine only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(s *session) error {
				if s.mem == nil {
					return fmt.Errorf("issue requires engine mode %q", "memory")
				}
				licCode, err := s.mem.Issue(code)
				if err != nil {
					return fmt.Errorf("%v: %w", err, sdkerr.ErrInvalidValue)
				}
				fmt.Fprintln(cmd.OutOrStdout(), licCode)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "request code")
	cmd.MarkFlagRequired("code")
	return cmd
}

func buildApplyCommand(a *app) *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a license code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(s *session) error {
				if err := s.core.ApplyLicenseCode(cmd.Context(), code); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "license code applied")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "license code")
	cmd.MarkFlagRequired("code")
	return cmd
}

func buildActivateCommand(a *app) *cobra.Command {
	var serial string

	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Activate online with a serial number",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(s *session) error {
				if !s.core.IsServerAlive(cmd.Context()) {
					a.log.Warn("activation server not reachable, trying anyway")
				}
				if err := s.core.ApplySN(cmd.Context(), serial); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "serial number activated")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&serial, "serial", "", "serial number")
	cmd.MarkFlagRequired("serial")
	return cmd
}

func buildWatchCommand(a *app) *cobra.Command {
	var access []string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Log dispatched lifecycle events until interrupted",
		Long: `Log every dispatched lifecycle event until SIGINT/SIGTERM.
--access begins access on the named entities so their session events are observed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			return a.withSession(cmd, func(s *session) error {
				out := cmd.OutOrStdout()
				cancel := s.core.Events().Tap(func(ev event.Event) {
					fmt.Fprintln(out, ev)
				})
				defer cancel()

				var opened []*license.Entity
				for _, id := range access {
					e, err := s.core.EntityByID(id)
					if err != nil {
						return err
					}
					if !e.BeginAccess() {
						return fmt.Errorf("entity %q: access denied: %w", id, sdkerr.ErrAccessDenied)
					}
					opened = append(opened, e)
				}

				a.log.Info("watching events, press Ctrl+C to stop")
				<-ctx.Done()

				for _, e := range opened {
					e.EndAccess()
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&access, "access", nil, "entity ids to hold open while watching")
	return cmd
}
