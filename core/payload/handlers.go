package payload

import (
	"fmt"
	"math"
	"strconv"

	"github.com/kilianp07/cpsim/core/charging"
)

// BootNotification announces the charge point.
type BootNotification struct {
	Vendor string
	Model  string
}

func (BootNotification) Action() string { return ActionBootNotification }

func (b BootNotification) BuildPayload(ctx Context) (any, error) {
	return BootNotificationRequest{
		ChargePointVendor:       b.Vendor,
		ChargePointModel:        b.Model,
		ChargePointSerialNumber: ctx.Session.ChargePointID,
	}, nil
}

type Authorize struct{}

func (Authorize) Action() string { return ActionAuthorize }

func (Authorize) BuildPayload(ctx Context) (any, error) {
	tag := firstNonEmpty(ctx.IDTag, ctx.Session.IDTag)
	if tag == "" {
		return nil, fmt.Errorf("authorize: id tag is required")
	}
	return AuthorizeRequest{IDTag: tag}, nil
}

type StartTransaction struct{}

func (StartTransaction) Action() string { return ActionStartTransaction }

func (StartTransaction) BuildPayload(ctx Context) (any, error) {
	tag := firstNonEmpty(ctx.IDTag, ctx.Session.IDTag)
	if tag == "" {
		return nil, fmt.Errorf("start transaction: id tag is required")
	}
	return StartTransactionRequest{
		ConnectorID: connector(ctx),
		IDTag:       tag,
		MeterStart:  wh(meter(ctx)),
		Timestamp:   ctx.Time,
	}, nil
}

type StopTransaction struct{}

func (StopTransaction) Action() string { return ActionStopTransaction }

func (StopTransaction) BuildPayload(ctx Context) (any, error) {
	tx := ctx.TransactionID
	if tx == nil {
		tx = ctx.Session.TransactionID
	}
	if tx == nil {
		return nil, fmt.Errorf("stop transaction: no transaction id")
	}
	return StopTransactionRequest{
		TransactionID: *tx,
		IDTag:         firstNonEmpty(ctx.IDTag, ctx.Session.IDTag),
		MeterStop:     wh(meter(ctx)),
		Timestamp:     ctx.Time,
		Reason:        ctx.Reason,
	}, nil
}

type StatusNotification struct{}

func (StatusNotification) Action() string { return ActionStatusNotification }

func (StatusNotification) BuildPayload(ctx Context) (any, error) {
	status := ctx.Status
	if status == "" {
		status = ctx.Session.State.ConnectorStatus()
	}
	return StatusNotificationRequest{
		ConnectorID: connector(ctx),
		ErrorCode:   firstNonEmpty(ctx.ErrorCode, "NoError"),
		Status:      status,
		Timestamp:   ctx.Time,
	}, nil
}

// MeterValues samples the register, power, current and SoC of the session.
type MeterValues struct{}

func (MeterValues) Action() string { return ActionMeterValues }

func (MeterValues) BuildPayload(ctx Context) (any, error) {
	s := ctx.Session
	sc := firstNonEmpty(ctx.SamplingContext, ContextPeriodic)
	sample := func(measurand, unit string, v float64) SampledValue {
		return SampledValue{
			Value:     strconv.FormatFloat(v, 'f', -1, 64),
			Context:   sc,
			Measurand: measurand,
			Unit:      unit,
		}
	}
	_, voltage := charging.Electrical(s)
	values := []SampledValue{
		sample(MeasurandEnergy, "Wh", float64(wh(meter(ctx)))),
		sample(MeasurandPower, "W", math.Round(s.PowerKW*1000)),
		sample(MeasurandCurrent, "A", round2(s.CurrentA)),
		sample(MeasurandVoltage, "V", voltage),
	}
	if s.LimitKW > 0 {
		values = append(values, sample(MeasurandOffered, "W", math.Round(s.LimitKW*1000)))
	}
	if s.ChargerType.IsDC() {
		values = append(values, sample(MeasurandSoC, "Percent", math.Round(s.SoC)))
	}
	tx := ctx.TransactionID
	if tx == nil {
		tx = s.TransactionID
	}
	return MeterValuesRequest{
		ConnectorID:   connector(ctx),
		TransactionID: tx,
		MeterValue:    []MeterValue{{Timestamp: ctx.Time, SampledValue: values}},
	}, nil
}

// Heartbeat has an empty body.
type Heartbeat struct{}

func (Heartbeat) Action() string { return ActionHeartbeat }

func (Heartbeat) BuildPayload(Context) (any, error) { return HeartbeatRequest{}, nil }

func connector(ctx Context) int {
	if ctx.ConnectorID > 0 {
		return ctx.ConnectorID
	}
	if ctx.Session.ConnectorID > 0 {
		return ctx.Session.ConnectorID
	}
	return 1
}

func meter(ctx Context) float64 {
	if ctx.MeterWh > 0 {
		return ctx.MeterWh
	}
	return ctx.Session.MeterWh
}

func wh(v float64) int { return int(math.Round(v)) }

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
