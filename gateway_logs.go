package main

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
)

// lambdaLogGroupPrefix ties a log group to the function that writes into it.
const lambdaLogGroupPrefix = "/aws/lambda/"

// LogGateway retrieves log lines for a function and enumerates the functions
// that have logs at all.
type LogGateway interface {
	FetchLogs(ctx context.Context, target string, window Window) ([]string, error)
	ListTargets(ctx context.Context) ([]string, error)
}

// CloudWatchLogsAPI is the subset of the CloudWatch Logs client used here.
type CloudWatchLogsAPI interface {
	cloudwatchlogs.FilterLogEventsAPIClient
	cloudwatchlogs.DescribeLogGroupsAPIClient
}

type CloudWatchLogs struct {
	client CloudWatchLogsAPI
}

func NewCloudWatchLogs(client CloudWatchLogsAPI) *CloudWatchLogs {
	return &CloudWatchLogs{client: client}
}

// FetchLogs returns every non-empty message the function logged within the
// window, in retrieval order.
func (l *CloudWatchLogs) FetchLogs(ctx context.Context, target string, window Window) ([]string, error) {
	input := &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(lambdaLogGroupPrefix + target),
		StartTime:    aws.Int64(window.Start.UnixMilli()),
		EndTime:      aws.Int64(window.End.UnixMilli()),
	}

	var lines []string
	for page, err := range filterLogEventPages(ctx, l.client, input) {
		if err != nil {
			return nil, fmt.Errorf("%w: filtering log events for %s: %w", ErrLogSourceUnavailable, target, err)
		}
		for _, event := range page.Events {
			if message := aws.ToString(event.Message); message != "" {
				lines = append(lines, message)
			}
		}
	}
	return lines, nil
}

// ListTargets returns the function names of every Lambda log group.
func (l *CloudWatchLogs) ListTargets(ctx context.Context) ([]string, error) {
	input := &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(lambdaLogGroupPrefix),
	}

	var targets []string
	for page, err := range describeLogGroupPages(ctx, l.client, input) {
		if err != nil {
			return nil, fmt.Errorf("%w: describing log groups: %w", ErrLogSourceUnavailable, err)
		}
		for _, group := range page.LogGroups {
			name, ok := strings.CutPrefix(aws.ToString(group.LogGroupName), lambdaLogGroupPrefix)
			if !ok || name == "" {
				continue
			}
			targets = append(targets, name)
		}
	}
	return targets, nil
}

// filterLogEventPages yields pages until the service stops returning a
// continuation token. Iteration stops after the first error.
func filterLogEventPages(ctx context.Context, client cloudwatchlogs.FilterLogEventsAPIClient, input *cloudwatchlogs.FilterLogEventsInput) iter.Seq2[*cloudwatchlogs.FilterLogEventsOutput, error] {
	return func(yield func(*cloudwatchlogs.FilterLogEventsOutput, error) bool) {
		paginator := cloudwatchlogs.NewFilterLogEventsPaginator(client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if !yield(page, err) || err != nil {
				return
			}
		}
	}
}

func describeLogGroupPages(ctx context.Context, client cloudwatchlogs.DescribeLogGroupsAPIClient, input *cloudwatchlogs.DescribeLogGroupsInput) iter.Seq2[*cloudwatchlogs.DescribeLogGroupsOutput, error] {
	return func(yield func(*cloudwatchlogs.DescribeLogGroupsOutput, error) bool) {
		paginator := cloudwatchlogs.NewDescribeLogGroupsPaginator(client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if !yield(page, err) || err != nil {
				return
			}
		}
	}
}
