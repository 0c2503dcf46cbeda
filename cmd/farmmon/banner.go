package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/farmmon/internal/chiaconfig"
)

func printStartupBanner(cfg appConfig, nodeCfg *chiaconfig.Config) {
	fmt.Println(renderStartupBanner(cfg, nodeCfg))
}

func renderStartupBanner(cfg appConfig, nodeCfg *chiaconfig.Config) string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╔═╗╦═╗╔╦╗╔╦╗╔═╗╔╗╔
    ╠╣ ╠═╣╠╦╝║║║║║║║ ║║║║
    ╚  ╩ ╩╩╚═╩ ╩╩ ╩╚═╝╝╚╝`)

	ver := dim.Render("v" + version)

	row := func(on bool, name, value string) string {
		if !on {
			return fmt.Sprintf("    %s  %-14s %s", dot, name, dim.Render("disabled"))
		}
		return fmt.Sprintf("    %s  %-14s %s", check, name, value)
	}

	var lines []string
	lines = append(lines, "", logo, "    "+ver, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	// Sources
	lines = append(lines, bold.Render("    Sources"), "")
	lines = append(lines, row(true, "Node RPC", cyan.Render(nodeCfg.Addr(nodeCfg.FullNode.RPCPort))))
	lines = append(lines, row(true, "Daemon", cyan.Render(nodeCfg.DaemonURL())))
	lines = append(lines, row(cfg.PriceEnabled, "Price Feed", dim.Render(cfg.PriceCoinID)))
	lines = append(lines, "")

	// Outputs
	lines = append(lines, bold.Render("    Outputs"), "")
	lines = append(lines, row(true, "Metrics", cyan.Render("http://"+cfg.ExporterAddr+"/metrics")))
	lines = append(lines, row(true, "Storage", dim.Render(shortenPath(cfg.DBPath))))
	lines = append(lines, row(cfg.BackupEnabled, "Snapshots", dim.Render(shortenPath(cfg.BackupLocalDir))))
	lines = append(lines, row(cfg.NotificationsEnabled, "Notifications", dim.Render(cfg.NotificationsRefresh.String())))
	lines = append(lines, "")

	// Config
	lines = append(lines, bold.Render("    Config"), "")
	lines = append(lines, row(true, "Node Root", dim.Render(shortenPath(cfg.RootPath))))
	if cfg.ConfigPath != "" {
		lines = append(lines, row(true, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	return strings.Join(lines, "\n")
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
