// pillctl is an operator tool for inspecting and driving PillMate devices
// directly through the realtime tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"pillmate/config"
	"pillmate/dblayer"
	"pillmate/devicesim"
	"pillmate/dispense"
	"pillmate/inventoryreport"
	"pillmate/pairing"
	"pillmate/rtdb"
	"pillmate/safety"
	"pillmate/session"
	"pillmate/slots"

	"cloud.google.com/go/firestore"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"google.golang.org/api/idtoken"
)

var cmdRoot = &cobra.Command{
	Use:          "pillctl",
	SilenceUsage: true,
}

var (
	realtime     config.RealtimeConfig
	dataProject  string
	functionsURL string
	slotInit     string
)

func init() {
	cmdRoot.PersistentFlags().StringVar(&realtime.Backend, "realtime-backend", "redis", "Realtime tree backend: redis, badger, sqlite, postgres or firebase.")
	cmdRoot.PersistentFlags().StringVar(&realtime.RedisAddr, "redis-addr", "127.0.0.1:6379", "Redis address for the redis backend.")
	cmdRoot.PersistentFlags().StringVar(&realtime.RedisPrefix, "redis-prefix", "pillmate", "Key prefix for the redis backend.")
	cmdRoot.PersistentFlags().StringVar(&realtime.BadgerDir, "badger-dir", "", "Data directory for the badger backend.")
	cmdRoot.PersistentFlags().StringVar(&realtime.FirebaseURL, "firebase-url", "", "Realtime Database URL for the firebase backend.")
	cmdRoot.PersistentFlags().StringVar(&realtime.SQLDSN, "sql-dsn", "", "Data source name for the sqlite and postgres backends.")
	cmdRoot.PersistentFlags().StringVar(&dataProject, "data-project", "", "GCP project that contains the application state.  Needed by commands that act for a user.")
	cmdRoot.PersistentFlags().StringVar(&functionsURL, "functions-url", "", "Base URL of the medication safety functions.")
}

// env is what a command works against.  The document store is only opened
// for commands that act for a user.
type env struct {
	rt      rtdb.Store
	closeRT func() error

	fstore *firestore.Client
	db     *dblayer.DB
}

func openEnv(ctx context.Context, needUser bool) (*env, error) {
	rt, closeRT, err := config.OpenRealtime(ctx, realtime)
	if err != nil {
		return nil, fmt.Errorf("while opening realtime tree: %w", err)
	}
	e := &env{rt: rt, closeRT: closeRT}
	if !needUser {
		return e, nil
	}

	if dataProject == "" {
		closeRT()
		return nil, errors.New("--data-project is required for this command")
	}
	e.fstore, err = firestore.NewClient(ctx, dataProject)
	if err != nil {
		closeRT()
		return nil, fmt.Errorf("while creating FireStore client: %w", err)
	}
	e.db = dblayer.New(e.fstore, "")
	return e, nil
}

func (e *env) Close() {
	if e.fstore != nil {
		e.fstore.Close()
	}
	if err := e.closeRT(); err != nil {
		glog.Errorf("Error closing realtime tree: %v", err)
	}
}

func (e *env) registry() (*pairing.Registry, error) {
	policy := pairing.SlotInitPreserve
	switch slotInit {
	case "", "preserve":
	case "reset":
		policy = pairing.SlotInitReset
	default:
		return nil, fmt.Errorf("--slot-init must be preserve or reset, got %q", slotInit)
	}
	return pairing.New(e.rt, slots.New(e.rt), e.db, pairing.WithSlotInit(policy)), nil
}

func (e *env) coordinator(ctx context.Context) (*dispense.Coordinator, error) {
	registry, err := e.registry()
	if err != nil {
		return nil, err
	}
	var opts []safety.ClientOpt
	if functionsURL != "" {
		ts, err := idtoken.NewTokenSource(ctx, functionsURL)
		if err != nil {
			return nil, fmt.Errorf("while creating service token source: %w", err)
		}
		opts = append(opts, safety.WithTokenSource(ts))
	}
	return dispense.New(e.rt, registry, e.db, safety.New(functionsURL, opts...)), nil
}

// userSession resolves the owner of the user-scoped commands.
func (e *env) userSession(ctx context.Context) (*session.Session, error) {
	if userUID == "" {
		return nil, errors.New("--uid is required for this command")
	}
	email := userEmail
	if email == "" {
		profile, err := e.db.Profile(ctx, userUID)
		if err != nil {
			return nil, fmt.Errorf("while reading profile of %s: %w", userUID, err)
		}
		email = profile.Email
	}
	return session.New(userUID, email, ""), nil
}

var (
	userUID   string
	userEmail string
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var cmdWaiting = &cobra.Command{
	Use:   "waiting",
	Short: "List devices waiting to be paired",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		e, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer e.Close()

		registry, err := e.registry()
		if err != nil {
			return err
		}
		stream, err := registry.FindWaitingDevices(ctx)
		if err != nil {
			return err
		}
		defer stream.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case pins, ok := <-stream.C:
				if !ok {
					return stream.Err()
				}
				fmt.Printf("%d device(s) waiting for pairing\n", len(pins))
				for _, pin := range pins {
					fmt.Println(pin)
				}
				if !waitingFollow {
					return nil
				}
			}
		}
	},
}

var waitingFollow bool

var cmdLink = &cobra.Command{
	Use:   "link PIN",
	Short: "Link a device to a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		e, err := openEnv(ctx, true)
		if err != nil {
			return err
		}
		defer e.Close()

		sess, err := e.userSession(ctx)
		if err != nil {
			return err
		}
		registry, err := e.registry()
		if err != nil {
			return err
		}
		if err := registry.LinkDevice(ctx, sess, args[0]); err != nil {
			return err
		}
		glog.Infof("Linked device %s to %s", args[0], sess.UID())
		return nil
	},
}

var cmdSlots = &cobra.Command{
	Use:   "slots [command]",
	Short: "Inspect and edit a device's slots",
}

var cmdSlotsList = &cobra.Command{
	Use:  "list PIN",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		e, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer e.Close()

		inv, err := slots.New(e.rt).LoadSlots(ctx, args[0])
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SLOT\tMEDICATION\tPILLS\tCAPACITY\tLOW AT\tSTATUS")
		for _, s := range inv {
			name := s.MedicationName
			if name == "" {
				name = "-"
			}
			fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\n", s.SlotNumber, name, s.PillCount, s.MaxCapacity, s.LowThreshold, slots.StatusOf(s))
		}
		return tw.Flush()
	},
}

var (
	slotsSetName  string
	slotsSetCount int
)

var cmdSlotsSet = &cobra.Command{
	Use:  "set PIN SLOT",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return slots.ErrInvalidSlotNumber
		}

		ctx, cancel := signalContext()
		defer cancel()

		e, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer e.Close()

		return slots.New(e.rt).UpdateSlot(ctx, args[0], n, slots.SlotEdit{
			MedicationName: slotsSetName,
			PillCount:      slotsSetCount,
		})
	},
}

var reportOut string

var cmdSlotsReport = &cobra.Command{
	Use:   "report PIN...",
	Short: "Export the slots of one or more devices to a spreadsheet",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		e, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer e.Close()

		store := slots.New(e.rt)
		devices := make([]inventoryreport.Device, 0, len(args))
		for _, pin := range args {
			inv, err := store.LoadSlots(ctx, pin)
			if err != nil {
				return fmt.Errorf("while loading slots of %s: %w", pin, err)
			}
			devices = append(devices, inventoryreport.Device{PIN: pin, Slots: inv})
		}

		out, err := os.Create(reportOut)
		if err != nil {
			return fmt.Errorf("while creating %s: %w", reportOut, err)
		}
		if err := inventoryreport.Write(out, devices); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("while closing %s: %w", reportOut, err)
		}
		glog.Infof("Wrote inventory of %d device(s) to %s", len(devices), reportOut)
		return nil
	},
}

var cmdDispense = &cobra.Command{
	Use:   "dispense",
	Short: "Dispense the next dose on a user's device, through the allergy gate",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		e, err := openEnv(ctx, true)
		if err != nil {
			return err
		}
		defer e.Close()

		sess, err := e.userSession(ctx)
		if err != nil {
			return err
		}
		coord, err := e.coordinator(ctx)
		if err != nil {
			return err
		}
		doses, err := e.db.ListDoses(ctx, sess.UID())
		if err != nil {
			return err
		}
		if err := coord.ManualDispense(ctx, sess, doses); err != nil {
			return err
		}
		fmt.Println("Pill dispensed!")
		return nil
	},
}

var rotateAngle int

var cmdRotate = &cobra.Command{
	Use:   "rotate",
	Short: "Turn the motor of a user's device",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		e, err := openEnv(ctx, true)
		if err != nil {
			return err
		}
		defer e.Close()

		sess, err := e.userSession(ctx)
		if err != nil {
			return err
		}
		coord, err := e.coordinator(ctx)
		if err != nil {
			return err
		}
		return coord.Rotate(ctx, sess, rotateAngle)
	},
}

var cmdAck = &cobra.Command{
	Use:   "ack PIN",
	Short: "Clear a device's pending dispense command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !slots.ValidPIN(args[0]) {
			return slots.ErrInvalidPIN
		}

		ctx, cancel := signalContext()
		defer cancel()

		e, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer e.Close()

		return dispense.New(e.rt, nil, nil, nil).Acknowledge(ctx, args[0])
	},
}

var cmdSimulate = &cobra.Command{
	Use:   "simulate [PIN]",
	Short: "Run a simulated device that waits for pairing and acts on commands",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		var pin string
		if len(args) == 1 {
			pin = args[0]
		} else {
			var err error
			if pin, err = devicesim.RandomPIN(); err != nil {
				return err
			}
		}
		if !slots.ValidPIN(pin) {
			return slots.ErrInvalidPIN
		}

		e, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := devicesim.Register(ctx, e.rt, pin); err != nil {
			return err
		}
		fmt.Printf("Device PIN: %s\n", pin)

		d := devicesim.New(e.rt, pin)
		d.OnDispense = func(slot int) {
			if slot == 0 {
				glog.Warningf("Dispense requested but every slot is empty")
				return
			}
			glog.Infof("Dispensed one pill from slot %d", slot)
		}
		if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	cmdWaiting.Flags().BoolVar(&waitingFollow, "follow", false, "Keep printing the list as it changes.")

	for _, c := range []*cobra.Command{cmdLink, cmdDispense, cmdRotate} {
		c.Flags().StringVar(&userUID, "uid", "", "User to act for.")
		c.Flags().StringVar(&userEmail, "email", "", "Email of the user.  Read from the profile if empty.")
	}
	cmdLink.Flags().StringVar(&slotInit, "slot-init", "preserve", "What linking does to existing slots: preserve or reset.")
	cmdRotate.Flags().IntVar(&rotateAngle, "angle", dispense.ReminderRotateAngle, "Degrees to turn.")

	cmdSlotsSet.Flags().StringVar(&slotsSetName, "name", "", "Medication name.  Empty unassigns the slot.")
	cmdSlotsSet.Flags().IntVar(&slotsSetCount, "count", 0, "Pill count.")
	cmdSlotsReport.Flags().StringVar(&reportOut, "out", "inventory.xlsx", "Spreadsheet to write.")
}

func main() {
	glog.CopyStandardLogTo("INFO")
	defer glog.Flush()

	cmdRoot.AddCommand(cmdWaiting, cmdLink, cmdSlots, cmdDispense, cmdRotate, cmdAck, cmdSimulate)
	cmdSlots.AddCommand(cmdSlotsList, cmdSlotsSet, cmdSlotsReport)

	if err := cmdRoot.Execute(); err != nil {
		glog.Flush()
		os.Exit(1)
	}
}
