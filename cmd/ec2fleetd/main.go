// Package main is the ec2fleetd executable: an EC2 instance-lifecycle
// daemon run once per boot by a systemd unit.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/NVIDIA/ec2fleetd/cloud"
	"github.com/NVIDIA/ec2fleetd/domain"
	"github.com/NVIDIA/ec2fleetd/lifecycle"
	"github.com/NVIDIA/ec2fleetd/macroset"
	"github.com/NVIDIA/ec2fleetd/meta"
	"github.com/NVIDIA/ec2fleetd/notify"
	"github.com/NVIDIA/ec2fleetd/readiness"
	"github.com/NVIDIA/ec2fleetd/userdata"
)

// NOTE: set by ldflags at build time.
var (
	version   = "dev"
	buildTime string
)

const usage = `EC2 fleet init daemon
Usage: ec2fleetd [options]
Options:
  --help, -h              print this message and exit
  --imds=<HOST>           override the IMDS endpoint
  --userdata=<FILE>       read user data from the file instead of fetching it
                          from the IMDS endpoint
  --transc_id=<STR>       set the transaction id to the given value
  --profile=<STR>         set the AWS SDK profile (for debugging only!)
  -v                      reserved (ignored)
  -V                      print version and exit
  --disable-all           disable all features
  --enable-init=<BOOL>    enable init parts (volumes, route 53, hostname)
  --enable-notify=<BOOL>  enable notify directives
  --enable-exec=<BOOL>    enable exec directives
  --enable-poll=<BOOL>    enable polling of interruption notice
  --max-workers=<N>       bound the per-phase worker pool (0: one worker per domain)
  --init-timeout=<DUR>    deadline for the init phase, e.g. "30s" (0: no deadline)
`

// parseBool matches the original daemon's loose boolean parsing: "true"/
// "false" case-insensitively, otherwise any nonzero number is true.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean", s)
	}
	return f != 0, nil
}

// boolFlag adapts parseBool to flag.Value so --enable-init=1 and
// --enable-init=TRUE both work, unlike flag's own strconv.ParseBool.
type boolFlag struct{ v *bool }

func (f boolFlag) String() string {
	if f.v == nil {
		return "false"
	}
	return strconv.FormatBool(*f.v)
}

func (f boolFlag) Set(s string) error {
	b, err := parseBool(s)
	if err != nil {
		return err
	}
	*f.v = b
	return nil
}

type cliFlags struct {
	help       bool
	versionReq bool
	verbose    int
	imds       string
	userdata   string
	transcID   string
	profile    string

	enableInit   bool
	enableNotify bool
	enableExec   bool
	enablePoll   bool

	maxWorkers  int
	initTimeout time.Duration
}

func parseArgs(argv []string) (*cliFlags, error) {
	cli := &cliFlags{
		transcID:     uuid.New().String(),
		enableInit:   true,
		enableNotify: true,
		enableExec:   true,
		enablePoll:   true,
	}

	fs := flag.NewFlagSet("ec2fleetd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&cli.help, "h", false, "print usage and exit")
	fs.BoolVar(&cli.help, "help", false, "print usage and exit")
	fs.BoolVar(&cli.versionReq, "V", false, "print version and exit")
	fs.BoolFunc("v", "reserved (ignored)", func(string) error { cli.verbose++; return nil })
	fs.StringVar(&cli.imds, "imds", "", "override the IMDS endpoint")
	fs.StringVar(&cli.userdata, "userdata", "", "read user-data from this file instead of IMDS")
	fs.StringVar(&cli.transcID, "transc_id", cli.transcID, "override the transaction id")
	fs.StringVar(&cli.profile, "profile", "", "AWS SDK profile (debug only)")
	// BoolFunc (not BoolVar) so --disable-all's effect lands exactly where
	// it appears in argv, matching getopt's left-to-right option processing:
	// a later --enable-init=true can still re-enable init after it.
	fs.BoolFunc("disable-all", "disable init, notify, exec, poll", func(string) error {
		cli.enableInit, cli.enableNotify, cli.enableExec, cli.enablePoll = false, false, false, false
		return nil
	})
	fs.Var(boolFlag{&cli.enableInit}, "enable-init", "enable init parts (volumes, route 53, hostname)")
	fs.Var(boolFlag{&cli.enableNotify}, "enable-notify", "enable notify directives")
	fs.Var(boolFlag{&cli.enableExec}, "enable-exec", "enable exec directives")
	fs.Var(boolFlag{&cli.enablePoll}, "enable-poll", "enable polling of interruption notice")
	fs.IntVar(&cli.maxWorkers, "max-workers", 0, "bound the per-phase worker pool")
	fs.DurationVar(&cli.initTimeout, "init-timeout", 0, "deadline for the init phase")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	if cli.transcID == "" {
		return nil, fmt.Errorf("--transc_id: invalid (empty) option")
	}
	return cli, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	defer glog.Flush()

	cli, err := parseArgs(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	if cli.help {
		fmt.Print(usage)
		return 0
	}
	if cli.versionReq {
		fmt.Printf("Version: %s\n", version)
		return 0
	}

	ctx := context.Background()

	mm := meta.New(cli.imds)
	ms := macroset.New(cli.transcID)

	if err := mm.FetchMeta(ctx, ms); err != nil {
		glog.Errorf("fetching instance metadata: %v", err)
		return 1
	}
	if !meta.IsSupportedHypervisor(ms.Hypervisor) {
		glog.Warningf("unsupported hypervisor/system %q; proceeding anyway", ms.Hypervisor)
	}

	cfg, err := loadUserdata(ctx, cli, mm)
	if err != nil {
		glog.Errorf("loading user-data: %v", err)
		return 1
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Profile:           cli.profile,
		SharedConfigState: session.SharedConfigEnable,
		Config:            aws.Config{Region: aws.String(ms.PlacementRegion)},
	})
	if err != nil {
		glog.Errorf("building AWS session: %v", err)
		return 1
	}

	ec2Client := ec2.New(sess)
	r53Client := route53.New(sess)
	snsClient := sns.New(sess)
	sqsClient := sqs.New(sess)

	pool := &domain.Pool{
		MaxWorkers: cli.maxWorkers,
		Sessions: func(string) domain.Clients {
			return domain.Clients{EC2: ec2Client, Route53: r53Client}
		},
	}

	backendFor := func(_ string, spec userdata.NotifySpec) (notify.Backend, error) {
		return cloud.NewBackend(spec.Backend, spec.Options, snsClient, sqsClient)
	}

	driver := &lifecycle.Driver{
		Meta:         mm,
		EC2:          ec2Client,
		Pool:         pool,
		BackendFor:   backendFor,
		Notifier:     readiness.New(),
		SetHostname:  setHostname,
		Config:       cfg,
		MS:           ms,
		TranscID:     cli.transcID,
		EnableInit:   cli.enableInit,
		EnableNotify: cli.enableNotify,
		EnableExec:   cli.enableExec,
		EnablePoll:   cli.enablePoll,
		InitTimeout:  cli.initTimeout,
	}

	return driver.Run(ctx)
}

// setHostname sets the kernel hostname for this boot only (not persisted),
// mirroring the original's socket.sethostname call.
func setHostname(name string) error {
	return syscall.Sethostname([]byte(name))
}

// loadUserdata reads the fleet configuration either from --userdata or from
// IMDS. Empty user-data (io.EOF) is not an error: it is a fleet with no
// domains configured, matching the original's tolerant treatment of a
// freshly launched instance with no directives yet attached.
func loadUserdata(ctx context.Context, cli *cliFlags, mm *meta.Manager) (*userdata.Config, error) {
	var r io.ReadCloser
	if cli.userdata != "" {
		f, err := os.Open(cli.userdata)
		if err != nil {
			return nil, err
		}
		r = f
	} else {
		ur, err := mm.OpenUserdata(ctx)
		if err != nil {
			return nil, err
		}
		r = ur
	}
	defer r.Close()

	cfg, err := userdata.Parse(r)
	if err == io.EOF {
		return &userdata.Config{Domains: map[string]userdata.DomainConfig{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
