// Package drivewatch keeps Google Drive change notification channels alive
// and turns change deliveries into reconciled file change batches.
//
// For each configured watch scope drivewatch registers a push notification
// channel, persists the channel and the change feed cursor, and on every
// delivery pulls the change feed from the stored cursor, filters it down to
// the scope's files and forwards the result downstream.
//
// # Architecture
//
//   - [App]: channel lifecycle, webhook ingress and change-feed sync
//   - [Storage]: per-scope sync state with conditional writes (DynamoDB, S3 or file)
//   - [ChangeFeed]: the Drive changes, channels and files APIs
//   - [Dispatcher]: downstream delivery (EventBridge, S3 staging or file)
//
// # Usage
//
// For CLI usage, create a [CLI] instance and call Run:
//
//	var cli drivewatch.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// For programmatic usage, create an [App] instance:
//
//	storage, _ := drivewatch.NewStorage(ctx, storageOption)
//	driveSvc, _ := drivewatch.NewDriveService(ctx, credentialsOption)
//	dispatcher, _ := drivewatch.NewDispatcher(ctx, dispatchOption, nil, nil)
//	app, _ := drivewatch.New(appOption, storage, dispatcher, driveSvc)
//	defer app.Close()
//
// # Delivery semantics
//
// Dispatch is at-least-once. The cursor advances after a dispatch attempt
// even when it fails; a failed pull or a failed cursor write leaves the
// cursor where it was, so the next delivery replays the same changes.
//
// # Deployment Modes
//
//   - Local HTTP server for development
//   - AWS Lambda with Function URL or API Gateway (via [github.com/fujiwara/ridge])
//   - AWS Lambda scheduled channel maintenance (renew command)
package drivewatch
