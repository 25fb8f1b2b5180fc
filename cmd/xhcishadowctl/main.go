// Command xhcishadowctl wires a Controller to a physical xHCI
// controller's host-mapped register windows and the diagnostic
// dashboard. It is a compile-time example of how a surrounding
// hypervisor glues this package's interposer into its own MMIO trap
// handler and guest-memory layer; the trap handler itself (the
// hypervisor's VM-exit dispatch) is out of this package's scope per
// spec.md §1.
package main

import (
	"context"
	"flag"
	"log"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/f-secure-foundry/xhci-shadow/diag"
	"github.com/f-secure-foundry/xhci-shadow/internal/guest"
	"github.com/f-secure-foundry/xhci-shadow/internal/hostmem"
	"github.com/f-secure-foundry/xhci-shadow/xhci"
)

func main() {
	var (
		dashboardAddr = flag.String("dashboard", ":9110", "address to serve Prometheus metrics on")
		maxSlots      = flag.Int("max-slots", 32, "slots reported to the guest via HCSPARAMS1")
		hostRegionMiB = flag.Int("host-mem-mib", 16, "size of the host shadow-structure allocator")
		guestMemMiB   = flag.Int("guest-mem-mib", 256, "size of the simulated guest-physical address space")
		numPorts      = flag.Int("ports", 4, "number of root hub ports on the physical controller")
		capBase       = flag.String("cap-base", "0x0", "host-virtual address of the controller's Capability register window")
		opBase        = flag.String("op-base", "0x0", "host-virtual address of the Operational register window")
		rtBase        = flag.String("rt-base", "0x0", "host-virtual address of the Runtime register window")
		dbBase        = flag.String("db-base", "0x0", "host-virtual address of the Doorbell register array")
		numIntrs      = flag.Int("interrupters", 1, "number of interrupters whose Event Rings are polled")
	)
	flag.Parse()

	host, err := hostmem.NewRegion(*hostRegionMiB << 20)
	if err != nil {
		log.Fatalf("xhcishadowctl: allocate host region: %v", err)
	}
	defer host.Close()

	guestMem, err := guest.NewMemory(*guestMemMiB << 20)
	if err != nil {
		log.Fatalf("xhcishadowctl: allocate guest memory: %v", err)
	}
	defer guestMem.Close()

	ctl := xhci.NewController(host, guestMem, *maxSlots)

	if err := ctl.Metrics().Register(prometheus.DefaultRegisterer); err != nil {
		log.Fatalf("xhcishadowctl: register metrics: %v", err)
	}

	// A real deployment supplies the four register window base
	// addresses once its BAR-mapping layer has mapped them
	// host-virtually; this interposer then lives inside the
	// hypervisor's MMIO VM-exit handler for that BAR range.
	if mmio := newInterposerFromFlags(ctl, *capBase, *opBase, *rtBase, *dbBase, *numPorts); mmio != nil {
		log.Printf("xhcishadowctl: register interposer constructed for %d ports", *numPorts)

		irs := make([]int, *numIntrs)
		for i := range irs {
			irs[i] = i
		}

		go ctl.PollEventRings(context.Background(), irs)
	}

	diag.StartCharts()

	dashboard := diag.NewDashboard(prometheus.DefaultGatherer)

	log.Printf("xhcishadowctl: serving dashboard on %s", *dashboardAddr)
	log.Fatal(dashboard.ListenAndServe(*dashboardAddr))
}

// newInterposerFromFlags builds an Interposer from hex register window
// addresses, returning nil if any is left at its zero default (no
// physical controller window supplied — the common case when this
// binary is only being used to exercise the dashboard/metrics path).
func newInterposerFromFlags(ctl *xhci.Controller, capBase, opBase, rtBase, dbBase string, numPorts int) *xhci.Interposer {
	capAddr, opAddr, rtAddr, dbAddr := parseHex(capBase), parseHex(opBase), parseHex(rtBase), parseHex(dbBase)
	if capAddr == 0 || opAddr == 0 || rtAddr == 0 || dbAddr == 0 {
		return nil
	}

	return xhci.NewInterposer(ctl, capAddr, opAddr, rtAddr, dbAddr, numPorts)
}

func parseHex(s string) uint64 {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0
	}
	return v
}
