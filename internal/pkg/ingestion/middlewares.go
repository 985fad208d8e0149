package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics"
	log "github.com/sirupsen/logrus"
)

//LoggingMiddleware logs every ingestion with its outcome and duration
func LoggingMiddleware() Middleware {
	return func(next Service) Service {
		return &loggingMiddleware{
			next: next,
		}
	}
}

type loggingMiddleware struct {
	next Service
}

func (mw loggingMiddleware) IngestReading(ctx context.Context, reading *IncomingReading) (result *Result, err error) {
	defer func(begin time.Time) {
		logMsg := log.Fields{
			"method":     "IngestReading",
			"device_eui": reading.DeviceEUI,
			"took":       time.Since(begin),
		}

		if err == nil {
			logMsg["stored"] = result.Stored
			logMsg["alert"] = result.Alert != nil
			log.WithFields(logMsg).Debug("reading ingested")
		} else {
			log.WithFields(logMsg).Error(err)
		}
	}(time.Now())
	return mw.next.IngestReading(ctx, reading)
}

type instrumentingMiddleware struct {
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
	next           Service
}

//NewInstrumentingMiddleware counts ingestions and observes their latency
func NewInstrumentingMiddleware(counter metrics.Counter, latency metrics.Histogram) Middleware {
	return func(next Service) Service {
		return &instrumentingMiddleware{
			requestCount:   counter,
			requestLatency: latency,
			next:           next,
		}
	}
}

func (mw *instrumentingMiddleware) IngestReading(ctx context.Context, reading *IncomingReading) (result *Result, err error) {
	defer func(begin time.Time) {
		lvs := []string{"method", "IngestReading", "error", fmt.Sprint(err != nil)}
		mw.requestCount.With(lvs...).Add(1)
		mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.IngestReading(ctx, reading)
}
