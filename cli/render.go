package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"reposter/config"
	"reposter/models"
	"reposter/publisher"
)

const timeLayout = "2006-01-02 15:04"

func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	return t
}

func renderRunResults(out io.Writer, results []*models.RunResult, loc *time.Location) {
	for _, r := range results {
		fmt.Fprintf(out, "%s: %s (run %s)\n", r.Account, r.Status, r.ID)
		fmt.Fprintf(out, "  Competitors checked: %d/%d, order: %s\n",
			r.Cap.CompetitorsChecked, r.Cap.TotalCompetitors, strings.Join(r.CompetitorOrder, ", "))
		fmt.Fprintf(out, "  Selected %d of cap %d (limit reached: %t)\n",
			r.Cap.PostsSelected, r.Cap.TargetLimit, r.Cap.LimitReached)

		if len(r.Scheduled) > 0 {
			t := newTable(out)
			t.AppendHeader(table.Row{"Original", "From", "Score", "Publish At", "Media", "Result"})
			for _, o := range r.Scheduled {
				t.AppendRow(table.Row{
					o.OriginalPostID,
					"@" + o.OriginalUsername,
					fmt.Sprintf("%.3f", o.EngagementScore),
					o.PublishAt,
					mediaLabel(o),
					outcomeLabel(o),
				})
			}
			t.Render()
		}

		for _, e := range r.Errors {
			fmt.Fprintf(out, "  error: %s\n", e)
		}
		if r.FinishedAt != nil {
			fmt.Fprintf(out, "  Finished %s in %s\n\n", r.FinishedAt.In(loc).Format(timeLayout), r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
		}
	}
}

func mediaLabel(o models.ScheduleOutcome) string {
	if o.Result.MediaAttached {
		return string(o.MediaType)
	}
	if o.MediaURL != "" {
		return string(o.MediaType) + " (not attached)"
	}
	return "none"
}

func outcomeLabel(o models.ScheduleOutcome) string {
	if o.Success {
		return "scheduled " + o.Result.PostID
	}
	return "failed: " + o.Result.Error
}

func renderAccounts(out io.Writer, cfg *config.Config) {
	t := newTable(out)
	t.AppendHeader(table.Row{"Account", "Instagram", "SocialBu ID", "Competitors", "Fetch", "Top", "Cap", "Captions"})
	for _, name := range cfg.AccountNames() {
		acc := cfg.Accounts[name]
		t.AppendRow(table.Row{
			acc.Name,
			acc.IGAccountName,
			acc.SocialBuAccountID,
			strings.Join(acc.Competitors, ", "),
			acc.MaxPostsToFetch,
			acc.TopPostsCount,
			acc.MaxTotalPosts,
			len(acc.Captions),
		})
	}
	t.Render()
}

func renderSlotStatus(out io.Writer, status models.SlotStatus, withUsed bool) {
	fmt.Fprintf(out, "  Strategic times: %s\n", strings.Join(status.StrategicTimes, ", "))
	fmt.Fprintf(out, "  Next available slot: %s\n", status.NextAvailableSlot)
	fmt.Fprintf(out, "  Used slots: %d\n", len(status.UsedSlots))
	if !withUsed || len(status.UsedSlots) == 0 {
		return
	}

	t := newTable(out)
	t.AppendHeader(table.Row{"Date", "Hour"})
	for _, s := range status.UsedSlots {
		t.AppendRow(table.Row{s.Date(), fmt.Sprintf("%02d:00", s.Hour)})
	}
	t.Render()
}

func renderStatus(out io.Writer, results []models.RunResult, loc *time.Location) {
	t := newTable(out)
	t.AppendHeader(table.Row{"Started", "Account", "Status", "Checked", "Selected", "Scheduled", "Errors"})
	for _, r := range results {
		t.AppendRow(table.Row{
			r.StartedAt.In(loc).Format(timeLayout),
			r.Account,
			string(r.Status),
			fmt.Sprintf("%d/%d", r.Cap.CompetitorsChecked, r.Cap.TotalCompetitors),
			fmt.Sprintf("%d/%d", r.SelectedCount(), r.Cap.TargetLimit),
			fmt.Sprintf("%d/%d", r.SucceededCount(), len(r.Scheduled)),
			len(r.Errors),
		})
	}
	t.Render()
}

func renderRunLogs(out io.Writer, logs []models.RunLog, loc *time.Location) {
	t := newTable(out)
	t.AppendHeader(table.Row{"Time", "Level", "Message"})
	for _, l := range logs {
		t.AppendRow(table.Row{l.Timestamp.In(loc).Format("15:04:05"), string(l.Level), l.Message})
	}
	t.Render()
}

func renderBackendAccounts(out io.Writer, accounts []publisher.Account, cfg *config.Config) {
	managed := make(map[int]string)
	for _, name := range cfg.AccountNames() {
		managed[cfg.Accounts[name].SocialBuAccountID] = name
	}

	t := newTable(out)
	t.AppendHeader(table.Row{"ID", "Name", "Type", "Active", "Managed As"})
	for _, acc := range accounts {
		t.AppendRow(table.Row{acc.ID, acc.Name, acc.Type, acc.Active, managed[acc.ID]})
	}
	t.Render()
}
