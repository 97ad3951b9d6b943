package drivewatch

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/mashiike/gcreds4aws"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// CredentialsOption selects where the Google credentials JSON comes from.
type CredentialsOption struct {
	Backend       string `help:"credentials backend" default:"default" enum:"default,ssm,s3,file" env:"DRIVEWATCH_CREDENTIALS_BACKEND"`
	ParameterName string `help:"SSM parameter name holding the credentials JSON" env:"DRIVEWATCH_CREDENTIALS_PARAMETER_NAME"`
	Base64        bool   `help:"credentials value is base64 encoded" default:"false" env:"DRIVEWATCH_CREDENTIALS_BASE64" negatable:""`
	S3URI         string `name:"s3-uri" help:"s3://bucket/key of the credentials JSON" env:"DRIVEWATCH_CREDENTIALS_S3_URI"`
	File          string `help:"path to the credentials JSON file" env:"DRIVEWATCH_CREDENTIALS_FILE"`
	Subject       string `help:"user impersonated by a service account with domain-wide delegation" env:"DRIVEWATCH_CREDENTIALS_SUBJECT"`
}

// CredentialProvider returns raw Google credentials JSON.
type CredentialProvider interface {
	GetCredentials(ctx context.Context) ([]byte, error)
}

// SSMClient is the subset of the SSM API used to read credentials.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3GetObjectClient is the subset of the S3 API used to read credentials.
type S3GetObjectClient interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type SSMCredentialProvider struct {
	client SSMClient
	name   string
	base64 bool
}

func NewSSMCredentialProvider(client SSMClient, name string, base64Encoded bool) *SSMCredentialProvider {
	return &SSMCredentialProvider{client: client, name: name, base64: base64Encoded}
}

func (p *SSMCredentialProvider) GetCredentials(ctx context.Context) ([]byte, error) {
	slog.DebugContext(ctx, "get credentials parameter", "name", p.name)
	output, err := p.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(p.name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get parameter %s: %w", p.name, err)
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return nil, fmt.Errorf("parameter %s is empty", p.name)
	}
	return decodeCredentials(*output.Parameter.Value, p.base64)
}

type S3CredentialProvider struct {
	client S3GetObjectClient
	bucket string
	key    string
	base64 bool
}

func NewS3CredentialProvider(client S3GetObjectClient, s3URI string, base64Encoded bool) (*S3CredentialProvider, error) {
	u, err := url.Parse(s3URI)
	if err != nil {
		return nil, fmt.Errorf("parse s3 uri: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" || strings.TrimPrefix(u.Path, "/") == "" {
		return nil, fmt.Errorf("invalid s3 uri: %s", s3URI)
	}
	return &S3CredentialProvider{
		client: client,
		bucket: u.Host,
		key:    strings.TrimPrefix(u.Path, "/"),
		base64: base64Encoded,
	}, nil
}

func (p *S3CredentialProvider) GetCredentials(ctx context.Context) ([]byte, error) {
	slog.DebugContext(ctx, "get credentials object", "bucket", p.bucket, "key", p.key)
	output, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object s3://%s/%s: %w", p.bucket, p.key, err)
	}
	defer output.Body.Close()
	bs, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("read object s3://%s/%s: %w", p.bucket, p.key, err)
	}
	return decodeCredentials(string(bs), p.base64)
}

type FileCredentialProvider struct {
	path string
}

func NewFileCredentialProvider(path string) *FileCredentialProvider {
	return &FileCredentialProvider{path: path}
}

func (p *FileCredentialProvider) GetCredentials(_ context.Context) ([]byte, error) {
	bs, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	return bs, nil
}

func decodeCredentials(value string, base64Encoded bool) ([]byte, error) {
	bs := []byte(strings.TrimSpace(value))
	if base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(string(bs))
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(string(bs))
			if err != nil {
				return nil, fmt.Errorf("credentials base64 decode: %w", err)
			}
		}
		bs = decoded
	}
	if !json.Valid(bs) {
		return nil, errors.New("credentials is not json")
	}
	return bs, nil
}

// NewCredentialProvider returns the provider of the configured backend.
// The default backend has no provider and returns nil.
func NewCredentialProvider(_ context.Context, opt CredentialsOption) (CredentialProvider, error) {
	switch opt.Backend {
	case "", "default":
		return nil, nil
	case "file":
		if opt.File == "" {
			return nil, errors.New("credentials file is required for file backend")
		}
		return NewFileCredentialProvider(opt.File), nil
	case "ssm":
		if opt.ParameterName == "" {
			return nil, errors.New("parameter name is required for ssm backend")
		}
		awsCfg, err := loadAWSConfig()
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		return NewSSMCredentialProvider(ssm.NewFromConfig(awsCfg), opt.ParameterName, opt.Base64), nil
	case "s3":
		awsCfg, err := loadAWSConfig()
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		return NewS3CredentialProvider(s3.NewFromConfig(awsCfg), opt.S3URI, opt.Base64)
	}
	return nil, fmt.Errorf("unknown credentials backend: %s", opt.Backend)
}

// ClientOptionFromJSON builds a Drive client option from credentials JSON.
// Service account keys may impersonate subject.
func ClientOptionFromJSON(ctx context.Context, bs []byte, subject string) (option.ClientOption, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(bytes.NewReader(bs)).Decode(&head); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if head.Type == "service_account" {
		cfg, err := google.JWTConfigFromJSON(bs, drive.DriveScope)
		if err != nil {
			return nil, fmt.Errorf("parse service account key: %w", err)
		}
		if err := validatePrivateKey(cfg.PrivateKey); err != nil {
			return nil, fmt.Errorf("parse service account key: %w", err)
		}
		cfg.Subject = subject
		return option.WithTokenSource(oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx))), nil
	}
	if subject != "" {
		slog.WarnContext(ctx, "credentials subject is ignored for non service account credentials", "type", head.Type)
	}
	creds, err := google.CredentialsFromJSON(ctx, bs, drive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return option.WithCredentials(creds), nil
}

// validatePrivateKey fails on keys the token source would reject at the first
// token fetch.
func validatePrivateKey(key []byte) error {
	block, _ := pem.Decode(key)
	if block != nil {
		key = block.Bytes
	}
	if _, err := x509.ParsePKCS8PrivateKey(key); err == nil {
		return nil
	}
	if _, err := x509.ParsePKCS1PrivateKey(key); err != nil {
		return errors.New("private key should be a PEM or plain PKCS1 or PKCS8")
	}
	return nil
}

// NewDriveService builds an authorized Drive API client. The default backend
// resolves credentials through gcreds4aws.
func NewDriveService(ctx context.Context, opt CredentialsOption) (*drive.Service, error) {
	provider, err := NewCredentialProvider(ctx, opt)
	if err != nil {
		return nil, err
	}
	var clientOpt option.ClientOption
	if provider == nil {
		clientOpt = gcreds4aws.WithCredentials(ctx)
	} else {
		bs, err := provider.GetCredentials(ctx)
		if err != nil {
			return nil, err
		}
		clientOpt, err = ClientOptionFromJSON(ctx, bs, opt.Subject)
		if err != nil {
			return nil, err
		}
	}
	svc, err := drive.NewService(ctx, clientOpt, option.WithScopes(drive.DriveScope))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return svc, nil
}
