package barrier

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/groombsp/internal/coord"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

// Namespace layout, all under Root:
//
//	/bsp/coordinator                       ephemeral, held by the active coordinator
//	/bsp/runs/<job>@<attempt>              one barrier run per job attempt
//	    expected                           Members, CAS-updated
//	    released                           Released, last released superstep
//	    kill                               present once the run is cancelled
//	    peers/p<partition>                 ephemeral Peer
//	    steps/<superstep>/arrivals/p<n>    ephemeral Arrival
//	    steps/<superstep>/ready            Release
const Root = "/bsp"

var (
	RunsPath        = coord.Join(Root, "runs")
	CoordinatorPath = coord.Join(Root, "coordinator")
)

func runPath(run types.RunID) string { return coord.Join(RunsPath, run.String()) }

func expectedPath(run string) string { return coord.Join(run, "expected") }
func releasedPath(run string) string { return coord.Join(run, "released") }
func killPath(run string) string { return coord.Join(run, "kill") }
func peersPath(run string) string { return coord.Join(run, "peers") }
func stepsPath(run string) string { return coord.Join(run, "steps") }
func stepPath(run string, s int64) string { return coord.Join(stepsPath(run), fmt.Sprintf("%010d", s)) }
func arrivalsPath(run string, s int64) string { return coord.Join(stepPath(run, s), "arrivals") }
func readyPath(run string, s int64) string { return coord.Join(stepPath(run, s), "ready") }

func memberName(partition int) string { return fmt.Sprintf("p%05d", partition) }

func parseMember(name string) (int, bool) {
	if !strings.HasPrefix(name, "p") {
		return 0, false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
