package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/cpsim/core/engine"
	"github.com/kilianp07/cpsim/core/model"
	"github.com/kilianp07/cpsim/core/payload"
	"github.com/kilianp07/cpsim/internal/broadcast"
)

type simulateFlags struct {
	url         string
	chargePoint string
	chargerType string
	profile     string
	idTag       string
	soc         float64
	targetSoC   float64
	stepTimeout time.Duration
}

var simFlags simulateFlags

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one charging session until interrupted",
	Long: "Connects a single charge point, boots it, plugs a vehicle, authorizes and " +
		"starts a transaction. On interrupt the transaction is stopped and the " +
		"connection closed.",
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simFlags.url, "url", "", "central system base url (ws:// or wss://)")
	f.StringVar(&simFlags.chargePoint, "charge-point", "CP001", "charge point id")
	f.StringVar(&simFlags.chargerType, "charger-type", "", "AC_1P, AC_3P or DC")
	f.StringVar(&simFlags.profile, "profile", "", "catalog vehicle profile")
	f.StringVar(&simFlags.idTag, "id-tag", "", "id tag to authorize")
	f.Float64Var(&simFlags.soc, "soc", 0, "initial state of charge in percent")
	f.Float64Var(&simFlags.targetSoC, "target-soc", 0, "state of charge ending the transaction")
	f.DurationVar(&simFlags.stepTimeout, "step-timeout", 30*time.Second, "timeout of each protocol step")
	_ = simulateCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	svc, err := newService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	tmpl := model.Session{
		ChargePointID: simFlags.chargePoint,
		URL:           simFlags.url,
		ChargerType:   model.ChargerType(simFlags.chargerType),
		IDTag:         simFlags.idTag,
		SoC:           simFlags.soc,
		TargetSoC:     simFlags.targetSoC,
	}
	return simulate(ctx, svc.Engine, svc.Hub, tmpl, simFlags.profile, simFlags.stepTimeout, cmd.OutOrStdout())
}

// simulate drives one session through connect, boot, plug, authorize and
// start, then follows it until ctx is done or the transaction ends.
func simulate(ctx context.Context, eng *engine.Engine, hub *broadcast.Hub, tmpl model.Session,
	profile string, step time.Duration, out io.Writer) error {
	s, err := eng.CreateSession(ctx, tmpl, profile)
	if err != nil {
		return err
	}
	id := s.ID
	updates, unsubscribe := hub.Subscribe(id, broadcast.DefaultBuffer)
	defer unsubscribe()
	defer finish(eng, id, step, out)

	stepCtx := func() (context.Context, context.CancelFunc) { return context.WithTimeout(ctx, step) }

	cctx, cancel := stepCtx()
	ok := eng.Connect(cctx, id)
	cancel()
	if !ok {
		return fmt.Errorf("connect to %s failed", s.URL)
	}

	cctx, cancel = stepCtx()
	boot, err := eng.SendBootNotification(id).Await(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("boot notification: %w", err)
	}
	if boot.Status != payload.StatusAccepted {
		return fmt.Errorf("boot notification %s", boot.Status)
	}

	if err := eng.Plug(id); err != nil {
		return err
	}

	cctx, cancel = stepCtx()
	auth, err := eng.SendAuthorize(id, "").Await(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	if auth.IDTagInfo.Status != payload.StatusAccepted {
		return fmt.Errorf("id tag %s", auth.IDTagInfo.Status)
	}

	cctx, cancel = stepCtx()
	start, err := eng.SendStartTransaction(id).Await(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	fmt.Fprintf(out, "transaction %d started on %s\n", start.TransactionID, s.ChargePointID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, open := <-updates:
			if !open {
				return nil
			}
			printUpdate(out, u)
			if u.Kind == model.UpdateSession && u.Session != nil && u.Session.State == model.StateAvailable {
				return nil
			}
		}
	}
}

// finish stops a running transaction and closes the connection.
func finish(eng *engine.Engine, id string, step time.Duration, out io.Writer) {
	s, err := eng.Session(id)
	if err != nil {
		return
	}
	if s.TransactionID != nil {
		ctx, cancel := context.WithTimeout(context.Background(), step)
		_, err := eng.SendStopTransaction(id, "Local").Await(ctx)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintf(out, "stop transaction: %v\n", err)
		}
	}
	eng.Disconnect(id)
	if s, err = eng.Session(id); err == nil {
		fmt.Fprintf(out, "session %s: %.1f kWh delivered, soc %.1f%%\n", id, s.EnergyKWh, s.SoC)
	}
}

func printUpdate(out io.Writer, u model.SessionUpdate) {
	switch u.Kind {
	case model.UpdateLog:
		if u.Log != nil {
			fmt.Fprintf(out, "%s %-5s %s\n", u.Log.Time.Format(time.TimeOnly), u.Log.Level, u.Log.Message)
		}
	case model.UpdateChart:
		if u.Sample != nil {
			fmt.Fprintf(out, "%s soc=%.1f%% power=%.2fkW energy=%.3fkWh\n",
				u.Sample.Time.Format(time.TimeOnly), u.Sample.SoC, u.Sample.PowerKW, u.Sample.EnergyKWh)
		}
	}
}
