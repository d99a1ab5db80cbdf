package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/cirrusops/cirrus/pkg/engine"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	waitStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case string(engine.DeploymentCompleted), string(engine.MachineStatusRunning), string(engine.AgentConnected):
		return goodStyle
	case string(engine.DeploymentFailed), string(engine.MachineStatusError):
		return badStyle
	case string(engine.DeploymentAwaitingApproval), string(engine.DeploymentPending):
		return waitStyle
	}
	return lipgloss.NewStyle()
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderColumn(false).
		BorderRow(false).
		BorderLeft(false).
		BorderRight(false).
		BorderTop(false).
		BorderBottom(false).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func printDeployments(w io.Writer, deployments []*engine.Deployment) error {
	if jsonOutput {
		return printJSON(w, deployments)
	}
	if len(deployments) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No deployments"))
		return nil
	}
	t := newTable("ID", "TYPE", "MACHINE", "STATE", "ATTEMPTS", "AGE")
	for _, d := range deployments {
		t.Row(d.ID, string(d.Type), d.MachineID,
			stateStyle(string(d.State)).Render(string(d.State)),
			strconv.Itoa(d.Attempts), age(d.CreatedAt))
	}
	fmt.Fprintln(w, t.String())
	return nil
}

func printDeployment(w io.Writer, d *engine.Deployment) error {
	if jsonOutput {
		return printJSON(w, d)
	}
	fmt.Fprintf(w, "Deployment:  %s\n", d.ID)
	fmt.Fprintf(w, "Type:        %s\n", d.Type)
	fmt.Fprintf(w, "Machine:     %s\n", d.MachineID)
	fmt.Fprintf(w, "State:       %s\n", stateStyle(string(d.State)).Render(string(d.State)))
	fmt.Fprintf(w, "Attempts:    %d\n", d.Attempts)
	fmt.Fprintf(w, "Created:     %s\n", d.CreatedAt.Local().Format(time.RFC3339))
	if d.FinishedAt != nil {
		fmt.Fprintf(w, "Finished:    %s\n", d.FinishedAt.Local().Format(time.RFC3339))
	}
	if d.Payload.Service != "" {
		fmt.Fprintf(w, "Service:     %s\n", d.Payload.Service)
	}
	if d.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", badStyle.Render(fmt.Sprintf("[%s] %s", d.ErrorClass, d.Error)))
	}
	if len(d.Plan) > 0 && d.State == engine.DeploymentAwaitingApproval {
		var plan engine.PlanResult
		if err := json.Unmarshal(d.Plan, &plan); err == nil {
			fmt.Fprintln(w, "Plan:")
			if plan.Summary != "" {
				fmt.Fprintf(w, "  %s\n", plan.Summary)
			}
			for _, c := range plan.Changes {
				fmt.Fprintf(w, "  %s %s  %s\n", waitStyle.Render(c.Action), c.Target, dimStyle.Render(c.Description))
			}
		}
	}
	return nil
}

func printMachines(w io.Writer, machines []*engine.Machine) error {
	if jsonOutput {
		return printJSON(w, machines)
	}
	if len(machines) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No machines"))
		return nil
	}
	t := newTable("ID", "NAME", "PROVIDER", "REGION", "DESIRED", "ACTUAL", "AGENT", "IP")
	for _, m := range machines {
		t.Row(m.ID, m.Name, string(m.Provider), m.Region,
			string(m.DesiredStatus),
			stateStyle(string(m.ActualStatus)).Render(string(m.ActualStatus)),
			stateStyle(string(m.AgentStatus)).Render(string(m.AgentStatus)),
			m.PublicIP)
	}
	fmt.Fprintln(w, t.String())
	return nil
}

func printMachine(w io.Writer, m *engine.Machine) error {
	if jsonOutput {
		return printJSON(w, m)
	}
	fmt.Fprintf(w, "Machine:     %s (%s)\n", m.ID, m.Name)
	fmt.Fprintf(w, "Provider:    %s / %s\n", m.Provider, m.ProviderAccountID)
	if m.ProviderMachineID != "" {
		fmt.Fprintf(w, "Instance:    %s\n", m.ProviderMachineID)
	}
	fmt.Fprintf(w, "Placement:   %s %s %s\n", m.Region, m.Size, m.Image)
	fmt.Fprintf(w, "Desired:     %s\n", m.DesiredStatus)
	fmt.Fprintf(w, "Actual:      %s\n", stateStyle(string(m.ActualStatus)).Render(string(m.ActualStatus)))
	fmt.Fprintf(w, "Agent:       %s\n", stateStyle(string(m.AgentStatus)).Render(string(m.AgentStatus)))
	if m.PublicIP != "" || m.PrivateIP != "" {
		fmt.Fprintf(w, "Addresses:   %s\n", strings.TrimSpace(m.PublicIP+" "+m.PrivateIP))
	}
	if len(m.Tags) > 0 {
		pairs := make([]string, 0, len(m.Tags))
		for k, v := range m.Tags {
			pairs = append(pairs, k+"="+v)
		}
		fmt.Fprintf(w, "Tags:        %s\n", strings.Join(pairs, ", "))
	}
	return nil
}

func printLogLine(w io.Writer, line engine.LogLine) error {
	if jsonOutput {
		return json.NewEncoder(w).Encode(line)
	}
	if line.Gap > 0 {
		fmt.Fprintln(w, waitStyle.Render(fmt.Sprintf("... %d lines skipped", line.Gap)))
	}
	prefix := dimStyle.Render(line.Timestamp.Local().Format("15:04:05"))
	text := line.Text
	switch line.Stream {
	case engine.LogStderr:
		text = badStyle.Render(text)
	case engine.LogSystem:
		text = dimStyle.Render(text)
	}
	_, err := fmt.Fprintf(w, "%s %s\n", prefix, text)
	return err
}

func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
