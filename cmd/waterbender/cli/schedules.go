package cli

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"waterbender/internal/clock"
	"waterbender/internal/config"
	"waterbender/internal/recurrence"
	"waterbender/internal/schedule"
	"waterbender/internal/storage"
)

func newSchedulesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedules",
		Aliases: []string{"sched"},
		Short:   "Inspect and edit irrigation schedules in the store",
		Long: `Offline access to the schedule store.

Rows written here stay dormant until the running service reloads. add and rm
ask the service to reload through its HTTP API unless --reload=false.`,
	}
	cmd.AddCommand(
		newSchedulesListCmd(opts),
		newSchedulesAddCmd(opts),
		newSchedulesRmCmd(opts),
		newSchedulesNextCmd(opts),
	)
	return cmd
}

func newSchedulesListCmd(opts *options) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := st.List(cmd.Context(), storage.ListOptions{Status: schedule.Status(status), Limit: limit})
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				cmd.Println("no schedules")
				return nil
			}
			t := newTable(cmd, "ID", "TYPE", "WHEN", "DURATION", "KEEP", "STATUS", "CREATED")
			for _, s := range rows {
				created := ""
				if !s.CreatedAt.IsZero() {
					created = s.CreatedAt.Format("2006-01-02 15:04")
				}
				t.AppendRow(table.Row{s.ID, s.Type, describeWhen(s), fmt.Sprintf("%d min", s.Duration), s.KeepAfterRun, s.Status, created})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, inactive)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newSchedulesAddCmd(opts *options) *cobra.Command {
	var (
		in     schedule.Schedule
		typ    string
		every  string
		reload bool
		api    string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a schedule",
		Example: `  waterbender schedules add --type once --at "2026-03-02 17:30" --duration 10
  waterbender schedules add --type daily --at 06:30 --duration 15
  waterbender schedules add --type weekly --at 07:00 --weekday Mon,Thu --duration 20
  waterbender schedules add --type hourly --every 4 --duration 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			in.Type = schedule.Type(typ)
			in.RepeatInterval = schedule.Interval(every)
			in = in.Normalized()
			if fields := in.Validate(); fields != nil {
				return fieldsError(fields)
			}
			comp, err := compilerFor(cfg)
			if err != nil {
				return err
			}
			if _, err := comp.Compile(in); err != nil {
				return errors.Wrap(err, "invalid schedule")
			}

			id, err := st.Insert(cmd.Context(), in)
			if err != nil {
				return err
			}
			cmd.Printf("schedule %d added (%s, %s)\n", id, in.Type, describeWhen(in))
			maybeReload(cmd, cfg, api, reload)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&typ, "type", "", "once, daily, hourly or weekly")
	f.StringVar(&in.Datetime, "at", "", `"yyyy-MM-dd HH:mm" for once, "HH:mm" for daily and weekly`)
	f.StringVar(&in.Weekday, "weekday", "", "comma separated days for weekly (Mon,Thu)")
	f.StringVar(&every, "every", "", "hours between runs for hourly (1-23)")
	f.IntVar(&in.Duration, "duration", 0, "watering time in minutes")
	f.BoolVar(&in.KeepAfterRun, "keep", false, "keep a once schedule after it ran")
	addReloadFlags(cmd, &reload, &api)
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("duration")
	return cmd
}

func newSchedulesRmCmd(opts *options) *cobra.Command {
	var (
		reload bool
		api    string
	)
	cmd := &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete schedules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil || id <= 0 {
					return errors.Newf("invalid id %q", a)
				}
				ids = append(ids, id)
			}
			cfg, st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.DeleteByIDs(cmd.Context(), ids)
			if err != nil {
				return err
			}
			cmd.Printf("deleted %d of %d schedules\n", n, len(ids))
			if n > 0 {
				maybeReload(cmd, cfg, api, reload)
			}
			return nil
		},
	}
	addReloadFlags(cmd, &reload, &api)
	return cmd
}

func newSchedulesNextCmd(opts *options) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "next <id>",
		Short: "Preview the next fire times of a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.Newf("invalid id %q", args[0])
			}
			cfg, st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			comp, err := compilerFor(cfg)
			if err != nil {
				return err
			}
			plan, err := comp.Compile(s)
			if err != nil {
				return errors.Wrapf(err, "schedule %d", id)
			}
			loc := comp.Clock().Location()
			times := comp.Next(plan, comp.Clock().Now(), count)
			if len(times) == 0 {
				cmd.Printf("schedule %d has no upcoming runs\n", id)
				return nil
			}
			t := newTable(cmd, "#", "START ("+loc.String()+")", "END")
			for i, at := range times {
				t.AppendRow(table.Row{i + 1, at.Format("Mon 2006-01-02 15:04"), at.Add(s.RunFor()).Format("15:04")})
			}
			t.Render()
			if s.Status != schedule.StatusActive {
				cmd.Printf("note: schedule %d is %s and will not fire\n", id, s.Status)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times")
	return cmd
}

func compilerFor(cfg *config.Config) (*recurrence.Compiler, error) {
	c, err := clock.Load(cfg.Scheduler.Zone())
	if err != nil {
		return nil, err
	}
	return recurrence.NewCompiler(c), nil
}

func describeWhen(s schedule.Schedule) string {
	switch s.Type {
	case schedule.TypeHourly:
		return "every " + string(s.RepeatInterval) + "h"
	case schedule.TypeWeekly:
		return s.Weekday + " " + s.Datetime
	default:
		return s.Datetime
	}
}

func fieldsError(fields map[string]string) error {
	parts := make([]string, 0, len(fields))
	for _, k := range []string{"type", "datetime", "weekday", "repeat_interval", "duration", "status"} {
		if msg, ok := fields[k]; ok {
			parts = append(parts, k+": "+msg)
		}
	}
	return errors.Newf("invalid schedule: %s", strings.Join(parts, "; "))
}

func newTable(cmd *cobra.Command, headers ...string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	row := make(table.Row, 0, len(headers))
	for _, h := range headers {
		row = append(row, h)
	}
	t.AppendHeader(row)
	t.SetStyle(table.StyleLight)
	return t
}

func addReloadFlags(cmd *cobra.Command, reload *bool, api *string) {
	cmd.Flags().BoolVar(reload, "reload", true, "ask the running service to reload")
	cmd.Flags().StringVar(api, "api", "", "service base URL (default from http.addr)")
}

// maybeReload asks the running service to reload. A failure leaves the store
// change in place and only warns.
func maybeReload(cmd *cobra.Command, cfg *config.Config, api string, enabled bool) {
	if !enabled {
		cmd.Println("reload skipped; changes apply on the next reload")
		return
	}
	if api == "" {
		api = apiBase(cfg.HTTP.Addr)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if err := requestReload(ctx, api, cfg.HTTP.JWTSecret); err != nil {
		cmd.PrintErrf("warning: reload failed (%v); changes apply on the next reload\n", err)
		return
	}
	cmd.Println("service reloaded")
}

func apiBase(addr string) string {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		addr = ":5000"
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func requestReload(ctx context.Context, base, secret string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/schedules/reload", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "waterbender-cli",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		}).SignedString([]byte(secret))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("status %d", resp.StatusCode)
	}
	return nil
}
