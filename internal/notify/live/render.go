package live

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"

	"eewbot/internal/eew"
	"eewbot/pkg/tgui"
)

// RenderInfo renders the static part of an alert message (HTML).
func RenderInfo(a *eew.Alert, loc *time.Location) string {
	eq := a.Earthquake

	title := fmt.Sprintf("Earthquake Early Warning · Report #%d", a.Serial)
	if a.Final {
		title += " (final)"
	}

	felt := "Felt earthquake"
	if !eq.Time.IsZero() {
		felt = eq.Time.In(loc).Format("01/02 15:04:05") + " " + felt
	}
	if eq.Location != "" {
		felt += " near " + eq.Location
	}

	var issuer tgui.H
	if a.Provider != "" {
		issuer = tgui.I("Issued by " + a.Provider)
	}
	return tgui.Lines(
		tgui.B(title),
		tgui.Esc(felt+". Beware of shaking!"),
		tgui.Concat(
			tgui.Esc("Magnitude "), tgui.Code(humanize.Ftoa(eq.Magnitude)),
			tgui.Esc(", depth "), tgui.Code(humanize.Ftoa(eq.Depth)),
			tgui.Escf(" km, max intensity %s", eq.MaxIntensity),
		),
		issuer,
	).String()
}

// RenderIntensity renders the per-region countdown at now. Regions with
// intensity 0 are left out. Comparison is in whole seconds and a region
// whose arrival equals now has arrived. arrived latches regions that
// have already been shown as arrived; it is updated in place.
func RenderIntensity(regions []eew.RegionEstimate, now time.Time, arrived map[string]bool) string {
	lines := []tgui.H{
		tgui.B("Estimated intensity"),
		tgui.Esc("Max intensity per county | S-wave arrival"),
	}
	nowSec := now.Unix()
	for _, r := range regions {
		if !r.Intensity.Felt() {
			continue
		}
		key := r.City + "/" + r.Region

		status := "arrived"
		if at := r.Arrival.Unix(); arrived[key] || at <= nowSec {
			if arrived != nil {
				arrived[key] = true
			}
		} else {
			left := time.Duration(at-nowSec) * time.Second
			status = "in " + durafmt.Parse(left).LimitFirstN(2).String()
		}
		lines = append(lines, tgui.Concat(
			tgui.Esc(r.City+" "+r.Region+" "), tgui.B(r.Intensity.String()), tgui.Esc(" | "+status),
		))
	}
	return tgui.Lines(lines...).String()
}
