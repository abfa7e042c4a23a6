// plugctl is a small utility for poking smart plugs directly: discovery
// sweeps and manual on/off/status, useful when assigning roles.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mattvenn/chamber-controller/internal/plug"
)

func main() {
	var subnet, ip string
	flag.StringVar(&subnet, "subnet", "", "CIDR to sweep for discovery")
	flag.StringVar(&ip, "ip", "", "Plug IP for on/off/status")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	client := plug.NewShellyClient(subnet)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch flag.Arg(0) {
	case "discover":
		if subnet == "" {
			fail("discover needs -subnet")
		}
		devices, err := client.Discover(ctx)
		if err != nil {
			fail("discovery failed: %v", err)
		}
		for _, d := range devices {
			fmt.Printf("%-16s %-18s %s\n", d.IP, d.MAC, d.Model)
		}
		fmt.Printf("%d plug(s) found\n", len(devices))

	case "on", "off":
		if ip == "" {
			fail("%s needs -ip", flag.Arg(0))
		}
		if err := client.SetState(ctx, ip, flag.Arg(0) == "on"); err != nil {
			fail("set state failed: %v", err)
		}
		fmt.Println("ok")

	case "status":
		if ip == "" {
			fail("status needs -ip")
		}
		on, err := client.GetState(ctx, ip)
		if err != nil {
			fail("get state failed: %v", err)
		}
		if on {
			fmt.Println("on")
		} else {
			fmt.Println("off")
		}

	default:
		fmt.Fprintln(os.Stderr, "usage: plugctl [-subnet CIDR | -ip ADDR] discover|on|off|status")
		os.Exit(2)
	}
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
