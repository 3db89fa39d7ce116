package cmd

import (
	"errors"
	"ezserve/internal/registry"
	"ezserve/internal/service"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// errNoTable is returned when a command needs an existing service table.
var errNoTable = errors.New("no service table")

func newServicesCmd() *cobra.Command {
	servicesCmd := &cobra.Command{
		Use:   "services",
		Short: "Inspect service tables",
	}
	servicesCmd.AddCommand(&cobra.Command{
		Use:   "list <table.yaml>",
		Short: "List the services in a table written by a running ezserve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadTable(args[0])
			if err != nil {
				return err
			}
			renderServices(cmd.OutOrStdout(), reg.Services())
			return nil
		},
	})
	return servicesCmd
}

// loadTable opens an existing table read-only.
func loadTable(path string) (*registry.Registry, error) {
	reg, err := registry.New(registry.Options{TablePath: path, Log: log})
	if err != nil {
		return nil, err
	}
	if reg.IsOwner() {
		return nil, fmt.Errorf("%w at %s", errNoTable, path)
	}
	return reg, nil
}

func renderServices(w io.Writer, svcs []service.Service) {
	if len(svcs) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No services found"))
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("NAME"),
		text.FgHiCyan.Sprint("PROTO"),
		text.FgHiCyan.Sprint("ADDRESS"),
		text.FgHiCyan.Sprint("PID"),
	})
	for _, svc := range svcs {
		t.AppendRow(table.Row{svc.Name(), string(svc.Proto()), formatAddress(svc), formatPID(svc.PID())})
	}
	t.Render()
}

func formatAddress(svc service.Service) string {
	switch s := svc.(type) {
	case *service.UnixService:
		return s.Path()
	case *service.TCPService:
		addr := fmt.Sprintf("%s:%d", s.ConnectHost(), s.Port())
		if s.BindHost() != "" && !strings.EqualFold(s.BindHost(), s.ConnectHost()) {
			addr += text.FgHiBlack.Sprint(" (bound to " + s.BindHost() + ")")
		}
		return addr
	default:
		return svc.String()
	}
}

func formatPID(pid int) string {
	if pid == 0 {
		return text.FgHiBlack.Sprint("-")
	}
	return strconv.Itoa(pid)
}
