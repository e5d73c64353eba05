package export

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	agenterrors "github.com/kubeadapt/node-reporter/internal/errors"
	"github.com/kubeadapt/node-reporter/internal/observability"
)

// Point is one data point of an ingested metric.
type Point struct {
	Tags  map[string]string
	Value float64
}

// Entry is an OTLP metric decoded into one of the supported kinds. Kind
// selects how Points are interpreted; every value is carried as float64.
type Entry struct {
	Kind        Kind
	Name        string
	Description string
	Points      []Point
}

// DecodeMetrics flattens md into entries. Metric types other than gauges and
// sums are skipped.
func DecodeMetrics(md pmetric.Metrics) []Entry {
	var out []Entry
	rms := md.ResourceMetrics()
	for i := 0; i < rms.Len(); i++ {
		sms := rms.At(i).ScopeMetrics()
		for j := 0; j < sms.Len(); j++ {
			ms := sms.At(j).Metrics()
			for k := 0; k < ms.Len(); k++ {
				if e, ok := decodeMetric(ms.At(k)); ok {
					out = append(out, e)
				}
			}
		}
	}
	return out
}

func decodeMetric(m pmetric.Metric) (Entry, bool) {
	e := Entry{Name: m.Name(), Description: m.Description()}
	var dps pmetric.NumberDataPointSlice
	switch m.Type() {
	case pmetric.MetricTypeGauge:
		e.Kind = KindGauge
		dps = m.Gauge().DataPoints()
	case pmetric.MetricTypeSum:
		e.Kind = KindNonMonotonicSum
		if m.Sum().IsMonotonic() {
			e.Kind = KindMonotonicSum
		}
		dps = m.Sum().DataPoints()
	default:
		return Entry{}, false
	}

	e.Points = make([]Point, 0, dps.Len())
	for i := 0; i < dps.Len(); i++ {
		dp := dps.At(i)
		var v float64
		switch dp.ValueType() {
		case pmetric.NumberDataPointValueTypeInt:
			v = float64(dp.IntValue())
		case pmetric.NumberDataPointValueTypeDouble:
			v = dp.DoubleValue()
		default:
			continue
		}
		tags := make(map[string]string, dp.Attributes().Len())
		dp.Attributes().Range(func(k string, val pcommon.Value) bool {
			tags[k] = val.AsString()
			return true
		})
		e.Points = append(e.Points, Point{Tags: tags, Value: v})
	}
	return e, true
}

// Receiver implements the OTLP metrics gRPC service on top of a Recorder.
type Receiver struct {
	pmetricotlp.UnimplementedGRPCServer

	recorder *Recorder
	metrics  *observability.Metrics
	errs     *agenterrors.ErrorCollector
	logger   *slog.Logger
}

const receiverComponent = "export.otlp"

// NewReceiver returns a Receiver storing into rec. metrics and errs may be nil.
func NewReceiver(rec *Recorder, metrics *observability.Metrics, errs *agenterrors.ErrorCollector, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{recorder: rec, metrics: metrics, errs: errs, logger: logger.With("component", receiverComponent)}
}

// Export applies every supported metric in the request. Kind conflicts are
// reported as InvalidArgument after the rest of the batch has been applied.
func (r *Receiver) Export(_ context.Context, req pmetricotlp.ExportRequest) (pmetricotlp.ExportResponse, error) {
	err := r.Apply(DecodeMetrics(req.Metrics()))
	if err == nil {
		r.count("success")
		r.resolve(agenterrors.ErrKindConflict)
		r.resolve(agenterrors.ErrIngestFailed)
		return pmetricotlp.NewExportResponse(), nil
	}
	r.count("error")
	r.logger.Warn("rejected part of an OTLP metrics export", "error", err)

	var conflict *KindConflictError
	if errors.As(err, &conflict) {
		r.report(agenterrors.ErrKindConflict, err)
		return pmetricotlp.NewExportResponse(), status.Error(codes.InvalidArgument, err.Error())
	}
	r.report(agenterrors.ErrIngestFailed, err)
	return pmetricotlp.NewExportResponse(), status.Error(codes.Internal, err.Error())
}

func (r *Receiver) report(code agenterrors.Code, err error) {
	if r.errs != nil {
		r.errs.ReportError(code, receiverComponent, err)
	}
}

func (r *Receiver) resolve(code agenterrors.Code) {
	if r.errs != nil {
		r.errs.Resolve(code, receiverComponent)
	}
}

// Apply registers and stores entries. Failures are aggregated; the entries
// that do not fail are still applied.
func (r *Receiver) Apply(entries []Entry) error {
	var errs *multierror.Error
	for _, e := range entries {
		if err := r.recorder.Register(e.Name, e.Description, e.Kind); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		for _, p := range e.Points {
			if err := r.recorder.Set(e.Name, p.Tags, p.Value); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

func (r *Receiver) count(result string) {
	if r.metrics != nil {
		r.metrics.IngestBatches.WithLabelValues("otlp", result).Inc()
	}
}
