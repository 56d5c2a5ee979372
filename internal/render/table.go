// Package render prints the ranked snapshot as a terminal table. On a TTY the
// screen is redrawn in place; on a pipe each refresh appends a new block.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/perpscan/perpscan/internal/store"
)

const clearScreen = "\033[2J\033[H"

// Renderer writes snapshot tables to out.
type Renderer struct {
	out   io.Writer
	isTTY bool
}

func New(out io.Writer) *Renderer {
	isTTY := false
	if f, ok := out.(*os.File); ok {
		isTTY = term.IsTerminal(int(f.Fd()))
	}
	return &Renderer{out: out, isTTY: isTTY}
}

// Render writes one table for the given snapshot rows.
func (r *Renderer) Render(rows []store.Row) {
	var b strings.Builder
	if r.isTTY {
		b.WriteString(clearScreen)
	}

	fmt.Fprintf(&b, "%-4s %-14s %-8s %10s %12s %9s %8s %12s %9s\n",
		"#", "SYMBOL", "CAT", "FUNDING%", "VOL24H(M)", "SPREAD%", "SIGMA%", "NEXT FUNDING", "WEIGHT")
	b.WriteString(strings.Repeat("-", 96))
	b.WriteByte('\n')

	for i, row := range rows {
		fmt.Fprintf(&b, "%-4d %-14s %-8s %10.4f %12.1f %9.4f %8s %12s %9s\n",
			i+1,
			row.Symbol,
			row.Category,
			row.FundingRate*100,
			row.Volume24h/1e6,
			row.SpreadPct*100,
			pctCell(row.VolatilityPct),
			row.FundingTimeRemaining,
			numCell(row.Weight),
		)
	}
	if len(rows) == 0 {
		b.WriteString("(no symbols selected)\n")
	}

	fmt.Fprint(r.out, b.String())
}

// pctCell renders an optional fraction as a percentage, "-" when unknown.
func pctCell(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.3f", *v*100)
}

func numCell(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
