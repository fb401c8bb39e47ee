package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const (
	lambdaMetricNamespace   = "AWS/Lambda"
	lambdaInvocationsMetric = "Invocations"
	lambdaErrorsMetric      = "Errors"
	lambdaFunctionDimension = "FunctionName"
)

// Window is the half-open [Start, End) range a check looks at. End is the
// evaluation time.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow returns the window of the given length ending at now.
func NewWindow(now time.Time, minutes int) Window {
	end := now.UTC()
	return Window{
		Start: end.Add(-time.Duration(minutes) * time.Minute),
		End:   end,
	}
}

// Minutes returns the window length in whole minutes.
func (w Window) Minutes() int {
	return int(w.End.Sub(w.Start) / time.Minute)
}

// FailureRate returns errors/invocations, or 0 when there were no invocations.
func FailureRate(errorCount, invocationCount float64) float64 {
	if invocationCount == 0 {
		return 0
	}
	return errorCount / invocationCount
}

// MetricsGateway reports how often a function failed over a window.
type MetricsGateway interface {
	FailureRate(ctx context.Context, target string, window Window) (float64, error)
}

// CloudWatchMetricsAPI is the subset of the CloudWatch client used here.
type CloudWatchMetricsAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

type CloudWatchMetrics struct {
	client CloudWatchMetricsAPI
}

func NewCloudWatchMetrics(client CloudWatchMetricsAPI) *CloudWatchMetrics {
	return &CloudWatchMetrics{client: client}
}

func (m *CloudWatchMetrics) FailureRate(ctx context.Context, target string, window Window) (float64, error) {
	invocations, err := m.sum(ctx, lambdaInvocationsMetric, target, window)
	if err != nil {
		return 0, err
	}
	errorCount, err := m.sum(ctx, lambdaErrorsMetric, target, window)
	if err != nil {
		return 0, err
	}
	return FailureRate(errorCount, invocations), nil
}

// sum asks for a single bucket covering the whole window and adds up every
// datapoint returned, in case the backend splits it anyway.
func (m *CloudWatchMetrics) sum(ctx context.Context, metricName, target string, window Window) (float64, error) {
	period := int32(window.End.Sub(window.Start).Seconds())
	if period < 60 {
		period = 60
	}

	output, err := m.client.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(lambdaMetricNamespace),
		MetricName: aws.String(metricName),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(lambdaFunctionDimension), Value: aws.String(target)},
		},
		StartTime:  aws.Time(window.Start),
		EndTime:    aws.Time(window.End),
		Period:     aws.Int32(period),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticSum},
	})
	if err != nil {
		return 0, fmt.Errorf("%w: querying %s for %s: %w", ErrMetricsUnavailable, metricName, target, err)
	}

	var total float64
	for _, datapoint := range output.Datapoints {
		total += aws.ToFloat64(datapoint.Sum)
	}
	return total, nil
}
