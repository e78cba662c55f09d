package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hcicore"
	"github.com/rigado/hcicore/linux/hci"
	"github.com/rigado/hcicore/linux/hci/cmd"
	"github.com/rigado/hcicore/linux/hci/keystore"
	"github.com/rigado/hcicore/sliceops"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "hcictl"
	app.Usage = "drive a Bluetooth controller through the host engine"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "device, d", Value: -1, Usage: "hci index of the user channel socket"},
		cli.StringFlag{Name: "h4s", Usage: "h4 socket server address"},
		cli.StringFlag{Name: "h4u", Usage: "h4 uart"},
		cli.UintFlag{Name: "baud", Usage: "h4 uart baud rate"},
		cli.StringFlag{Name: "config, c", Usage: "yaml configuration file"},
		cli.StringFlag{Name: "keys", Usage: "link key file, overrides key_store of the configuration"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error"},
		cli.BoolFlag{Name: "log-json", Usage: "log one json object per line"},
	}
	app.Before = func(c *cli.Context) error {
		hcicore.SetLogJSON(c.Bool("log-json"))
		return hcicore.SetLogLevel(c.String("log-level"))
	}
	app.Commands = []cli.Command{
		{
			Name:   "info",
			Usage:  "bring the controller up and print what initialization learned",
			Action: cmdInfo,
		},
		{
			Name:   "inquiry",
			Usage:  "discover BR/EDR devices and resolve their names",
			Action: cmdInquiry,
			Flags: []cli.Flag{
				cli.UintFlag{Name: "length, l", Value: 8, Usage: "inquiry length in units of 1.28s"},
				cli.UintFlag{Name: "max", Usage: "max responses, 0 for no limit"},
				cli.BoolFlag{Name: "flush", Usage: "ignore cached results"},
				cli.DurationFlag{Name: "names", Value: 10 * time.Second, Usage: "time allowed for name resolution, 0 to skip"},
			},
		},
		{
			Name:      "cmd",
			Usage:     "send a raw command",
			ArgsUsage: "<ogf> <ocf> [params as hex]",
			Action:    cmdRaw,
		},
		{
			Name:   "reset",
			Usage:  "reset the controller",
			Action: cmdReset,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session is an open device and the registry holding it.
type session struct {
	reg *hci.Registry
	dev *hci.Device
}

func (s *session) close() {
	if err := s.reg.Shutdown(); err != nil {
		hcicore.GetLogger().Warn(err)
	}
}

func open(c *cli.Context, opts ...hcicore.Option) (*session, error) {
	var opt hcicore.Option
	switch {
	case c.GlobalInt("device") >= 0:
		opt = hcicore.OptTransportHCISocket(c.GlobalInt("device"))
	case c.GlobalString("h4s") != "":
		opt = hcicore.OptTransportH4Socket(c.GlobalString("h4s"), 2*time.Second)
	case c.GlobalString("h4u") != "":
		opt = hcicore.OptTransportH4Uart(c.GlobalString("h4u"), c.GlobalUint("baud"))
	default:
		return nil, errors.New("no valid device to init, use --device, --h4s or --h4u")
	}

	cfg := hcicore.DefaultConfig()
	if p := c.GlobalString("config"); p != "" {
		var err error
		if cfg, err = hcicore.LoadConfig(p); err != nil {
			return nil, err
		}
	}
	if p := c.GlobalString("keys"); p != "" {
		cfg.KeyStore = p
	}

	opts = append(opts, opt, hcicore.OptConfig(cfg))
	if cfg.KeyStore != "" {
		opts = append(opts, hcicore.OptKeyStore(keystore.New(cfg.KeyStore)))
	}

	d, err := hci.NewDevice(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "can't create device")
	}

	reg := hci.NewRegistry()
	if _, err := reg.Register(d); err != nil {
		return nil, err
	}
	s := &session{reg: reg, dev: d}
	if err := d.Open(); err != nil {
		s.close()
		return nil, errors.Wrapf(err, "can't open %s", d.Name())
	}
	return s, nil
}

func cmdInfo(c *cli.Context) error {
	s, err := open(c)
	if err != nil {
		return err
	}
	defer s.close()

	d := s.dev
	i := d.Info()
	fmt.Printf("%s:\tType: %s\n", d.Name(), map[hci.DevType]string{hci.DevPrimary: "Primary", hci.DevAMP: "AMP"}[d.Type()])
	fmt.Printf("\tBD Address: %s\n", i.BDAddr)
	fmt.Printf("\tHCI Version: %d (0x%04x)  LMP Version: %d (0x%04x)\n", i.HCIVersion, i.HCIRevision, i.LMPVersion, i.LMPSubver)
	fmt.Printf("\tManufacturer: %d\n", i.Manufacturer)
	fmt.Printf("\tACL MTU: %d:%d  SCO MTU: %d:%d  LE MTU: %d:%d\n", i.ACLMTU, i.ACLPkts, i.SCOMTU, i.SCOPkts, i.LEMTU, i.LEPkts)
	if i.Name != "" {
		fmt.Printf("\tName: %q\n", i.Name)
	}
	fmt.Printf("\tClass: 0x%06x\n", sliceops.Uint24(i.Class[:]))
	for p := 0; p <= int(i.MaxPage) && p < hci.MaxPages; p++ {
		fmt.Printf("\tFeatures page %d: % x\n", p, i.Features[p])
	}
	fmt.Printf("\tLE Features: % x\n", i.LEFeatures)
	fmt.Printf("\tFlags: %s\n", d.Flags())

	st := d.Stats()
	fmt.Printf("\tRX bytes:%d acl:%d sco:%d events:%d errors:%d\n", st.ByteRx, st.ACLRx, st.SCORx, st.EvtRx, st.ErrRx)
	fmt.Printf("\tTX bytes:%d acl:%d sco:%d commands:%d errors:%d\n", st.ByteTx, st.ACLTx, st.SCOTx, st.CmdTx, st.ErrTx)
	return nil
}

func cmdInquiry(c *cli.Context) error {
	names := make(chan string, 16)
	onName := hci.OptNameHandler(func(a hcicore.BDAddr, n string) {
		select {
		case names <- fmt.Sprintf("%s\t%s", a, n):
		default:
		}
	})

	s, err := open(c, onName)
	if err != nil {
		return err
	}
	defer s.close()

	ctx := context.Background()
	res, err := s.dev.Inquiry(ctx, hci.InquiryParams{
		Length: uint8(c.Uint("length")),
		NumRsp: uint8(c.Uint("max")),
		Flush:  c.Bool("flush"),
	})
	if err != nil {
		return err
	}

	fmt.Println("Inquiring ...")
	for _, r := range res {
		fmt.Printf("\t%s\tclock offset: 0x%04x\tclass: 0x%06x\trssi: %d\n",
			r.Addr, r.ClockOffset, sliceops.Uint24(r.Class[:]), r.RSSI)
	}

	wait := c.Duration("names")
	if wait == 0 || len(res) == 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	for got := 0; got < len(res); got++ {
		select {
		case n := <-names:
			fmt.Println(n)
		case <-t.C:
			return nil
		}
	}
	return nil
}

func cmdRaw(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.ShowSubcommandHelp(c)
	}
	ogf, err := strconv.ParseUint(c.Args().Get(0), 0, 6)
	if err != nil {
		return errors.Wrap(err, "ogf")
	}
	ocf, err := strconv.ParseUint(c.Args().Get(1), 0, 10)
	if err != nil {
		return errors.Wrap(err, "ocf")
	}
	params, err := hex.DecodeString(strings.Join(c.Args()[2:], ""))
	if err != nil {
		return errors.Wrap(err, "params")
	}

	s, err := open(c)
	if err != nil {
		return err
	}
	defer s.close()

	op := cmd.Op(uint16(ogf), uint16(ocf))
	fmt.Printf("< HCI Command: %s (0x%02x|0x%04x) plen %d\n", cmd.Name(op), ogf, ocf, len(params))
	res, err := s.dev.SubmitSync(context.Background(), op, params, 0)
	if err != nil && res.Opcode == 0 {
		return err
	}
	fmt.Printf("> status 0x%02x params % x\n", res.Status, res.Params)
	return nil
}

func cmdReset(c *cli.Context) error {
	s, err := open(c)
	if err != nil {
		return err
	}
	defer s.close()

	return s.dev.Reset(context.Background())
}
