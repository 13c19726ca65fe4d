package testutils

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/kelseyhightower/envconfig"
)

var cfg *aws.Config

// DynamoDBConfig is an object that we fill from .env.
type DynamoDBConfig struct {
	Region    string
	Endpoint  string `envconfig:"DYNAMODB_ENDPOINT"`
	AccessID  string `envconfig:"ACCESS_KEY_ID"`
	SecretKey string `envconfig:"SECRET_ACCESS_KEY"`
}

// GetAWSCfg is a quick way to retrieve an AWS config. Uses environment variables.
func GetAWSCfg() aws.Config {
	if cfg == nil {
		var conf DynamoDBConfig
		envconfig.MustProcess("AWSCONFIG", &conf)
		cfg = buildAWSCfg(conf)
	}
	return *cfg
}

func buildAWSCfg(conf DynamoDBConfig) *aws.Config {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(conf.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conf.AccessID, conf.SecretKey, ""),
		),
	}
	if conf.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: conf.Endpoint}, nil
			})
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}

	c, err := config.LoadDefaultConfig(context.TODO(), opts...)
	if err != nil {
		panic(err)
	}
	return &c
}
