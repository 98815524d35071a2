package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/pursuit/pkg/config"
	"github.com/gwillem/pursuit/pkg/link"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var baudRates = []int{9600, 19200, 57600, 115200}

type SetupCommand struct{}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("Pursuit Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━"))
	fmt.Println()

	cfg, err := config.LoadOrDefault(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("%w (fix or remove the file and run setup again)", err)
	}

	// Step 1: Find the motor controller
	port := choosePort(cfg.Link.Port)

	// Step 2: Link speed
	baud := chooseBaud(cfg.Link.BaudRate)

	// Step 3: Detection feed
	feed := cfg.Vision.FeedAddr != ""
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Accept detections from a remote detector over websocket?").
				Description(fmt.Sprintf("Listens on %s%s", orDefault(cfg.Vision.FeedAddr, ":8765"), "/detections")).
				Value(&feed),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}

	cfg.Link.Port = port
	cfg.Link.BaudRate = baud
	if feed && cfg.Vision.FeedAddr == "" {
		cfg.Vision.FeedAddr = ":8765"
	} else if !feed {
		cfg.Vision.FeedAddr = ""
	}

	if err := cfg.SaveTo(opts.ConfigFile); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.ConfigFile)
	fmt.Println()
	fmt.Println("Bench test a motor with: " + headerStyle.Render("pursuit probe --motor 1 --speed 100"))
	fmt.Println("Start the control loop with: " + headerStyle.Render("pursuit run"))

	return nil
}

func choosePort(current string) string {
	fmt.Println(subHeaderStyle.Render("Serial ports"))

	ports, err := link.ListPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing ports: %v\n", err)
		os.Exit(1)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		fmt.Println("Make sure the motor controller is connected.")
		os.Exit(1)
	}

	fmt.Println(renderPorts(ports))
	fmt.Println()

	options := make([]huh.Option[string], 0, len(ports))
	for _, p := range ports {
		label := p.Name
		if p.Product != "" {
			label = fmt.Sprintf("%s (%s)", p.Name, p.Product)
		}
		options = append(options, huh.NewOption(label, p.Name).Selected(p.Name == current))
	}

	var port string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which port is the motor controller on?").
				Options(options...).
				Value(&port),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	return port
}

func chooseBaud(current int) int {
	options := make([]huh.Option[int], 0, len(baudRates))
	for _, b := range baudRates {
		options = append(options, huh.NewOption(strconv.Itoa(b), b).Selected(b == current))
	}

	var baud int
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[int]().
				Title("Baud rate").
				Description("Must match the motor controller firmware").
				Options(options...).
				Value(&baud),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	return baud
}

func renderPorts(ports []link.PortInfo) string {
	rows := make([][]string, 0, len(ports))
	for _, p := range ports {
		usb := ""
		if p.USB {
			usb = p.VID + ":" + p.PID
		}
		rows = append(rows, []string{p.Name, usb, p.Product, p.Serial})
	}

	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tablePortStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Port", "USB", "Product", "Serial").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			if col == 0 {
				return tablePortStyle
			}
			return tableCellStyle
		})

	return t.Render()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
