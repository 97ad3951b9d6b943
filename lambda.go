package drivewatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	lambdaapi "github.com/aws/aws-sdk-go-v2/service/lambda"
)

func isLambda() bool {
	if strings.HasPrefix(os.Getenv("AWS_EXECUTION_ENV"), "AWS_Lambda") || os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		return true
	}
	return false
}

// LambdaClient is the subset of the Lambda API used to discover the
// function URL when no webhook address is configured.
type LambdaClient interface {
	GetFunctionUrlConfig(ctx context.Context, params *lambdaapi.GetFunctionUrlConfigInput, optFns ...func(*lambdaapi.Options)) (*lambdaapi.GetFunctionUrlConfigOutput, error)
}

func (app *App) startLambdaMaintenance(ctx context.Context) {
	lambda.StartWithOptions(app.handleChannelMaintenance, lambda.WithContext(ctx))
}

func (app *App) webhook() string {
	app.webhookMu.RLock()
	defer app.webhookMu.RUnlock()
	return app.webhookURL
}

// ensureWebhook fills an empty webhook address with the Lambda function URL.
// Outside Lambda it leaves the address as is.
func (app *App) ensureWebhook(ctx context.Context) error {
	app.webhookMu.Lock()
	defer app.webhookMu.Unlock()
	if app.webhookURL != "" {
		return nil
	}
	if _, ok := lambdacontext.FromContext(ctx); !ok {
		return nil
	}
	slog.InfoContext(ctx, "webhook address is empty, try fill with lambda function url")
	u, err := app.discoverFunctionURL(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "discover function url failed", "error", err)
		return err
	}
	app.webhookURL = u
	return nil
}

func (app *App) handleChannelMaintenance(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := app.ensureWebhook(ctx); err != nil {
		return nil, err
	}
	if err := app.MaintainChannels(ctx, false); err != nil {
		slog.ErrorContext(ctx, "maintain channels failed", "error", err)
		return nil, err
	}
	return map[string]any{
		"Status": 200,
	}, nil
}

func (app *App) discoverFunctionURL(ctx context.Context) (string, error) {
	lc, ok := lambdacontext.FromContext(ctx)
	if !ok {
		return "", errors.New("can not get lambda context")
	}
	arnObj, err := arn.Parse(lc.InvokedFunctionArn)
	if err != nil {
		return "", fmt.Errorf("parse invoked function arn: %w", err)
	}
	// Resource is function:<name>[:<qualifier>]
	parts := strings.Split(arnObj.Resource, ":")
	if len(parts) < 2 {
		return "", fmt.Errorf("unexpected function arn resource: %s", arnObj.Resource)
	}
	input := &lambdaapi.GetFunctionUrlConfigInput{
		FunctionName: aws.String(parts[1]),
	}
	if len(parts) >= 3 {
		input.Qualifier = aws.String(parts[2])
	}
	client := app.lambdaClient
	if client == nil {
		awsCfg, err := loadAWSConfig()
		if err != nil {
			return "", fmt.Errorf("load AWS config: %w", err)
		}
		client = lambdaapi.NewFromConfig(awsCfg)
		app.lambdaClient = client
	}
	output, err := client.GetFunctionUrlConfig(ctx, input)
	if err != nil {
		return "", fmt.Errorf("get function url config: %w", err)
	}
	if output.FunctionUrl == nil || *output.FunctionUrl == "" {
		return "", errors.New("lambda function url is empty")
	}
	return *output.FunctionUrl, nil
}
