package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"authmon/internal/alerts"
	"authmon/internal/model"
	"authmon/internal/scheduler"
)

const (
	FormatJSON       = "json"
	FormatPrometheus = "prometheus"

	dashboardSnapshots  = 60
	dashboardAggregates = 48
)

// Dashboard is the JSON export consumed by dashboards.
type Dashboard struct {
	GeneratedAt time.Time                      `json:"generated_at"`
	Health      HealthDoc                      `json:"health"`
	Scheduler   scheduler.Status               `json:"scheduler"`
	Snapshots   []model.Snapshot               `json:"snapshots"`
	Aggregates  []model.AggregatedWindow       `json:"aggregates"`
	Alerts      alerts.Stats                   `json:"alerts"`
	Channels    map[string]alerts.ChannelStats `json:"channels"`
	Active      []model.Alert                  `json:"active_alerts"`
}

func (m *Monitor) Dashboard(ctx context.Context) Dashboard {
	return Dashboard{
		GeneratedAt: m.now(),
		Health:      m.HealthStatus(ctx),
		Scheduler:   m.scheduler.Status(),
		Snapshots:   m.scheduler.Snapshots(dashboardSnapshots),
		Aggregates:  m.scheduler.Aggregates(dashboardAggregates),
		Alerts:      m.alerts.Stats(),
		Channels:    m.alerts.ChannelStats(),
		Active:      m.alerts.ActiveAlerts(""),
	}
}

type Export struct {
	ContentType string
	Body        []byte
}

// ExportMetrics renders the dashboard document as JSON or the store
// collector in the prometheus text format.
func (m *Monitor) ExportMetrics(ctx context.Context, format string) (Export, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		body, err := json.Marshal(m.Dashboard(ctx))
		if err != nil {
			return Export{}, fmt.Errorf("encoding dashboard: %w", err)
		}
		return Export{ContentType: "application/json", Body: body}, nil
	case FormatPrometheus:
		families, err := m.registry.Gather()
		if err != nil {
			return Export{}, fmt.Errorf("gathering metrics: %w", err)
		}
		var buf bytes.Buffer
		if err := writeText(&buf, families); err != nil {
			return Export{}, err
		}
		return Export{ContentType: "text/plain; version=0.0.4; charset=utf-8", Body: buf.Bytes()}, nil
	default:
		return Export{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func writeText(w io.Writer, families []*dto.MetricFamily) error {
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
