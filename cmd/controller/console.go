package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mossy-p/ensemble/internal/node"
	"github.com/mossy-p/ensemble/internal/params"
	"github.com/mossy-p/ensemble/internal/parts"
	"github.com/mossy-p/ensemble/internal/peer"
	"github.com/mossy-p/ensemble/internal/program"
)

var errQuit = errors.New("quit")

// network is the part of a running node the console reports on.
type network interface {
	Peers() []peer.PeerInfo
	Pongs() map[string]node.Pong
}

// console reads one command per line and drives the part manager and the
// program bank.
type console struct {
	parts *parts.Manager
	bank  *program.State
	net   network
	out   io.Writer
}

const consoleHelp = `Commands:
  chord <freq>...          replace all parts with one part per frequency
  add <freq> [expression]  add a part (none, vibrato, tremolo, trill)
  remove <part>            remove a part
  expr <part> <expression> change the expression of a part
  freq <part> <freq>       change the frequency of a part
  send [seconds]           apply the editing program to every synth
  power on|off             switch every synth on or off
  volume <0..1>            set the output volume of every synth
  save|load|clear <slot>   use the program bank (slots 1-10)
  list                     show the program bank
  status                   show parts, assignments and the last send
  peers                    show peer connections and pongs
  quit
`

// run executes lines from r until EOF or quit.
func (c *console) run(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for {
		fmt.Fprint(c.out, "> ")
		if !sc.Scan() {
			return sc.Err()
		}
		err := c.exec(ctx, sc.Text())
		if errors.Is(err, errQuit) {
			return nil
		} else if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help", "?":
		fmt.Fprint(c.out, consoleHelp)
		return nil
	case "quit", "exit":
		return errQuit

	case "chord":
		freqs, err := floats(args)
		if err != nil {
			return err
		}
		if err := c.parts.SetChord(freqs); err != nil {
			return err
		}
		return c.status()

	case "add":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("usage: add <freq> [expression]")
		}
		f, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid frequency %q", args[0])
		}
		p := parts.Part{Frequency: f}
		if len(args) == 2 {
			p.Expression.Type = params.ExpressionType(args[1])
		}
		id, err := c.parts.AddPart(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "added %s\n", id)
		return nil

	case "remove":
		if len(args) != 1 {
			return errors.New("usage: remove <part>")
		}
		return c.parts.RemovePart(args[0])

	case "expr":
		if len(args) != 2 {
			return errors.New("usage: expr <part> <expression>")
		}
		e := params.Expression{Type: params.ExpressionType(args[1])}
		return c.parts.UpdatePart(args[0], parts.Update{Expression: &e})

	case "freq":
		if len(args) != 2 {
			return errors.New("usage: freq <part> <freq>")
		}
		f, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid frequency %q", args[1])
		}
		return c.parts.UpdatePart(args[0], parts.Update{Frequency: &f})

	case "send":
		var opts parts.SendOptions
		if len(args) > 1 {
			return errors.New("usage: send [seconds]")
		} else if len(args) == 1 {
			d, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid duration %q", args[0])
			}
			opts.Transition.Duration = &d
		}
		res, err := c.bank.Apply(opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "sent to %d/%d synths\n", res.SuccessCount, res.TotalSynths)
		if len(res.Failed) > 0 {
			fmt.Fprintf(c.out, "failed: %s\n", strings.Join(res.Failed, ", "))
		}
		return nil

	case "power":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return errors.New("usage: power on|off")
		}
		n := c.parts.SetPower(args[0] == "on")
		fmt.Fprintf(c.out, "power %s sent to %d synths\n", args[0], n)
		return nil

	case "volume":
		if len(args) != 1 {
			return errors.New("usage: volume <0..1>")
		}
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil || v < 0 || v > 1 {
			return fmt.Errorf("invalid volume %q", args[0])
		}
		n, err := c.parts.SendCommand("volume", v)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "volume sent to %d synths\n", n)
		return nil

	case "save", "load", "clear":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <slot>", cmd)
		}
		slot, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid slot %q", args[0])
		}
		switch cmd {
		case "save":
			return c.bank.Save(ctx, slot)
		case "load":
			if _, err := c.bank.Load(ctx, slot); err != nil {
				return err
			}
			return c.status()
		default:
			return c.bank.Clear(ctx, slot)
		}

	case "list":
		return c.list(ctx)
	case "status":
		return c.status()
	case "peers":
		return c.peers()
	}
	return fmt.Errorf("unknown command %q (try help)", cmd)
}

func (c *console) status() error {
	st := c.parts.GetStatistics()
	assigned := c.parts.Assignments()
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PART\tFREQ\tEXPRESSION\tSYNTHS")
	for _, p := range c.parts.Parts() {
		var synths []string
		for id, ap := range assigned {
			if ap.ID == p.ID {
				synths = append(synths, id)
			}
		}
		sort.Strings(synths)
		fmt.Fprintf(tw, "%s\t%.2f\t%s\t%s\n", p.ID, p.Frequency, p.Expression.Type, strings.Join(synths, ","))
	}
	tw.Flush()

	fmt.Fprintf(c.out, "%d parts, %d synths, %d unassigned parts; power %v\n",
		st.Parts, st.Synths, st.UnassignedParts, c.parts.Power())
	if st.Sends > 0 {
		fmt.Fprintf(c.out, "last send reached %d/%d synths\n", st.LastSuccess, st.LastTotal)
	}
	if c.bank.HasUnappliedChanges() {
		fmt.Fprintln(c.out, "editing program has unapplied changes")
	}
	return nil
}

func (c *console) list(ctx context.Context) error {
	entries, err := c.bank.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tSAVED\tPARTS")
	for _, e := range entries {
		if !e.Saved {
			fmt.Fprintf(tw, "%d\t-\t\n", e.ID)
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\n", e.ID, e.SavedAt.Format(time.DateTime), len(e.Program.Parts))
	}
	return tw.Flush()
}

func (c *console) peers() error {
	pongs := c.net.Pongs()
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tCONNECTION\tCHANNEL\tRTT\tPOWER\tFREQ")
	for _, p := range c.net.Peers() {
		rtt, power, freq := "-", "-", "-"
		if pong, ok := pongs[p.ID]; ok {
			rtt = pong.RTT.Round(time.Millisecond).String()
			power = strconv.FormatBool(pong.State.Powered)
			freq = strconv.FormatFloat(pong.State.Frequency, 'f', 2, 64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.ConnectionState, p.DataChannelState, rtt, power, freq)
	}
	return tw.Flush()
}

func floats(args []string) ([]float64, error) {
	out := make([]float64, 0, len(args))
	for _, a := range args {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid frequency %q", a)
		}
		out = append(out, f)
	}
	return out, nil
}
