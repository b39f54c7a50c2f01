package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata"
	"github.com/carlmjohnson/versioninfo"
	"github.com/iancoleman/strcase"
	"github.com/joho/godotenv"
	"github.com/sfomuseum/go-timings"
	"github.com/urfave/cli/v2"

	"github.com/pdok/shovel/feature"
	"github.com/pdok/shovel/gpkg"
	"github.com/pdok/shovel/redshift"
	"github.com/pdok/shovel/transcode"
	"github.com/pdok/shovel/upload"
)

const SOURCE string = `sourceGpkg`
const SOURCELAYER string = `sourceLayer`
const BUCKET string = `bucket`
const CLUSTER string = `clusterIdentifier`
const DATABASE string = `database`
const SECRETARN string = `secretArn`
const IAMROLE string = `iamRoleArn`
const TABLE string = `targetTable`
const POLLINTERVAL string = `pollInterval`
const POLLMAXWAIT string = `pollMaxWait`
const POLLBACKOFF string = `pollBackoffFactor`

//nolint:funlen
func main() {
	_ = godotenv.Load()

	app := cli.NewApp()
	app.Name = "shovel"
	app.Usage = "A Golang application that loads geospatial vector data into Amazon Redshift"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     SOURCE,
			Aliases:  []string{"s"},
			Usage:    "Source GPKG",
			Required: true,
			EnvVars:  []string{strcase.ToScreamingSnake(SOURCE)},
		},
		&cli.StringFlag{
			Name:     SOURCELAYER,
			Aliases:  []string{"l"},
			Usage:    "Feature table in the source GPKG. Defaults to the first one",
			Required: false,
			EnvVars:  []string{strcase.ToScreamingSnake(SOURCELAYER)},
		},
		&cli.StringFlag{
			Name:     BUCKET,
			Aliases:  []string{"b"},
			Usage:    "Bucket URI where the transcoded file is uploaded. E.g. s3://my-bucket",
			Required: true,
			EnvVars:  []string{strcase.ToScreamingSnake(BUCKET)},
		},
		&cli.StringFlag{
			Name:     CLUSTER,
			Aliases:  []string{"c"},
			Usage:    "Redshift cluster identifier",
			Required: true,
			EnvVars:  []string{strcase.ToScreamingSnake(CLUSTER)},
		},
		&cli.StringFlag{
			Name:     DATABASE,
			Aliases:  []string{"d"},
			Usage:    "Database where the data will be imported",
			Required: true,
			EnvVars:  []string{strcase.ToScreamingSnake(DATABASE)},
		},
		&cli.StringFlag{
			Name:     SECRETARN,
			Usage:    "ARN of the secret that provides access to the database",
			Required: true,
			EnvVars:  []string{strcase.ToScreamingSnake(SECRETARN)},
		},
		&cli.StringFlag{
			Name:     IAMROLE,
			Usage:    "ARN of the Redshift role with read access to the bucket",
			Required: true,
			EnvVars:  []string{strcase.ToScreamingSnake(IAMROLE)},
		},
		&cli.StringFlag{
			Name:     TABLE,
			Aliases:  []string{"t"},
			Usage:    "Redshift table where the data will be imported. Loading errors out if the table already exists",
			Required: true,
			EnvVars:  []string{strcase.ToScreamingSnake(TABLE)},
		},
		&cli.DurationFlag{
			Name:     POLLINTERVAL,
			Usage:    "Initial delay between statement status polls",
			Value:    500 * time.Millisecond,
			Required: false,
			EnvVars:  []string{strcase.ToScreamingSnake(POLLINTERVAL)},
		},
		&cli.DurationFlag{
			Name:     POLLMAXWAIT,
			Usage:    "Maximum time to wait for one statement to finish",
			Value:    15 * time.Minute,
			Required: false,
			EnvVars:  []string{strcase.ToScreamingSnake(POLLMAXWAIT)},
		},
		&cli.Float64Flag{
			Name:     POLLBACKOFF,
			Usage:    "Factor by which the poll delay grows after every poll",
			Value:    1.5,
			Required: false,
			EnvVars:  []string{strcase.ToScreamingSnake(POLLBACKOFF)},
		},
	}

	app.Action = func(c *cli.Context) error {
		ctx := c.Context

		_, err := os.Stat(c.String(SOURCE))
		if os.IsNotExist(err) {
			return fmt.Errorf("error opening source GeoPackage: %w", err)
		}

		source, err := gpkg.Open(c.String(SOURCE), c.String(SOURCELAYER))
		if err != nil {
			return err
		}
		defer source.Close()

		monitor, err := timings.NewMonitor(ctx, "counter://PT60S")
		if err != nil {
			return err
		}
		monitor.Start(ctx, os.Stdout)
		defer monitor.Stop(ctx)

		log.Printf("=== transcoding %s ===", source.Layer())

		csvPath := c.String(SOURCE) + ".processing.csv"
		rows, err := transcode.ToFile(monitoredSource{source, monitor, ctx}, csvPath)
		if err != nil {
			return err
		}
		log.Printf("  %d features written to %s with geometries in EWKB format", rows, csvPath)

		log.Println("=== uploading ===")

		key, err := upload.File(ctx, c.String(BUCKET), csvPath)
		if err != nil {
			return err
		}

		s3Path, err := objectPath(c.String(BUCKET), key)
		if err != nil {
			return err
		}
		log.Printf("  uploaded to %s", s3Path)

		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return err
		}
		executor, err := redshift.NewExecutor(redshiftdata.NewFromConfig(cfg), redshift.Target{
			ClusterIdentifier: c.String(CLUSTER),
			Database:          c.String(DATABASE),
			SecretARN:         c.String(SECRETARN),
		}, redshift.PollPolicy{
			Interval:      c.Duration(POLLINTERVAL),
			MaxWait:       c.Duration(POLLMAXWAIT),
			BackoffFactor: c.Float64(POLLBACKOFF),
		})
		if err != nil {
			return err
		}

		log.Println("=== loading into Redshift ===")

		mapping := redshift.MapSchema(source.Schema())
		if _, err := executor.Execute(ctx, redshift.CreateTableStatement(c.String(TABLE), mapping)); err != nil {
			return err
		}
		log.Printf("  created table %s", c.String(TABLE))

		if _, err := executor.Execute(ctx, redshift.CopyStatement(c.String(TABLE), s3Path, c.String(IAMROLE))); err != nil {
			return err
		}
		log.Println("=== done loading ===")
		return nil
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// monitoredSource signals the timings monitor for every feature read.
type monitoredSource struct {
	feature.Source
	monitor timings.Monitor
	ctx     context.Context
}

func (s monitoredSource) ReadFeatures(fn func(feature.Feature) error) error {
	return s.Source.ReadFeatures(func(f feature.Feature) error {
		go s.monitor.Signal(s.ctx)
		return fn(f)
	})
}

// objectPath builds the warehouse-facing s3 path for an uploaded object from
// the (possibly parameterized) bucket URI.
func objectPath(bucketURI, key string) (string, error) {
	u, err := url.Parse(bucketURI)
	if err != nil {
		return "", err
	}
	return "s3://" + path.Join(u.Host, u.Path, key), nil
}
