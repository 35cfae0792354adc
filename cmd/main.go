package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/dzfranklin/bikecurate"
	"github.com/spf13/pflag"
)

func usageAndDie() {
	fmt.Println("Example usage:\n" +
		"    bikecurate --curate [--out <curated.db>] [--export-dir <dir>]\n" +
		"    bikecurate --features <curated.db> [--year 2023 --month 7 | --all]\n" +
		"    bikecurate --export <curated.db> [--out <dir>]\n" +
		"    bikecurate --import <dir> [--out <curated.db>]\n" +
		"    bikecurate --validate <curated.db> [--force-valid]\n" +
		"    bikecurate --clip <curated.db> --clip-feature <feature_geojson.json>")
	os.Exit(1)
}

func main() {
	curateMode := pflag.Bool("curate", false, "Curate the raw operator data into a database")
	featuresPath := pflag.String("features", "", "Recompute features tables of a database")
	exportPath := pflag.StringP("export", "e", "", "Export a database to a directory of CSV files")
	importPath := pflag.StringP("import", "i", "", "Import a directory of CSV files written by --export")
	validatePath := pflag.String("validate", "", "Check every foreign id in a database resolves")
	clipPath := pflag.StringP("clip", "c", "", "Clip a database")
	primaryOptions := []*string{featuresPath, exportPath, importPath, validatePath, clipPath}

	envFile := pflag.String("env", ".env", "Read configuration from this file if it exists")
	output := pflag.StringP("out", "o", "", "Path to write output to")
	exportDir := pflag.String("export-dir", "", "If --curate is specified also export the result to this directory")
	forceMode := pflag.BoolP("force-valid", "f", false, "Whether to fix issues by deleting data")
	ignoreInvalidMode := pflag.Bool("ignore-invalid", false, "Ignore any issues")
	skipDemographics := pflag.Bool("skip-demographics", false, "Do not build the demographics table")
	skipWeather := pflag.Bool("skip-weather", false, "Do not load weather")
	year := pflag.Int("year", 0, "If --features is specified only recompute this year (requires --month)")
	month := pflag.Int("month", 0, "If --features is specified only recompute this month (requires --year)")
	allMonths := pflag.Bool("all", false, "If --features is specified recompute every month")
	workers := pflag.Int("workers", 0, "Months to process at once (overrides BIKECURATE_WORKERS)")
	clipFeaturePath := pflag.String("clip-feature", "", "If --clip is specified clips to the GeoJSON feature in the file specified")

	pflag.Parse()

	primaryCount := 0
	for _, opt := range primaryOptions {
		if *opt != "" {
			primaryCount++
		}
	}
	if *curateMode {
		primaryCount++
	}
	if primaryCount != 1 {
		usageAndDie()
	}

	cfg, err := bikecurate.LoadConfig(*envFile)
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}

	ctx := context.Background()

	if *curateMode {
		if *output != "" {
			cfg.DBPath = *output
		}
		opts := &bikecurate.CurateOpts{
			SkipDemographics: *skipDemographics,
			SkipWeather:      *skipWeather,
			ForceValid:       *forceMode,
			IgnoreInvalid:    *ignoreInvalidMode,
			ExportDir:        *exportDir,
		}
		_, err = bikecurate.Curate(ctx, cfg, opts)
	} else if *featuresPath != "" {
		opts := &bikecurate.FeaturesOpts{Workers: cfg.Workers}
		if *year != 0 || *month != 0 {
			if *year == 0 || *month == 0 || *allMonths {
				usageAndDie()
			}
			opts.Months = []string{fmt.Sprintf("%04d_%02d", *year, *month)}
		} else if !*allMonths {
			usageAndDie()
		}
		_, err = bikecurate.Features(ctx, *featuresPath, opts)
	} else if *exportPath != "" {
		outputPath := outputPathOrDefault(*exportPath, *output, ".db", "")
		err = bikecurate.Export(*exportPath, outputPath, nil)
	} else if *importPath != "" {
		outputPath := outputPathOrDefault(*importPath, *output, "", ".db")
		opts := &bikecurate.ImportOpts{
			ForceValid:    *forceMode,
			IgnoreInvalid: *ignoreInvalidMode,
		}
		_, err = bikecurate.Import(*importPath, outputPath, opts)
	} else if *validatePath != "" {
		var store *bikecurate.Store
		store, err = bikecurate.OpenStore(*validatePath)
		if err == nil {
			_, err = store.Audit(&bikecurate.AuditOpts{ForceValid: *forceMode, IgnoreInvalid: *ignoreInvalidMode})
			if closeErr := store.Close(); err == nil {
				err = closeErr
			}
		}
	} else if *clipPath != "" {
		if *clipFeaturePath == "" {
			usageAndDie()
		}
		var feature []byte
		feature, err = os.ReadFile(*clipFeaturePath)
		if err != nil {
			panic(err)
		}
		featureName := trimFileExt(path.Base(*clipFeaturePath))

		outputPath := outputPathOrDefault(*clipPath, *output, ".db", fmt.Sprintf("_%s.db", featureName))
		err = bikecurate.Clip(*clipPath, outputPath, string(feature))
	} else {
		usageAndDie()
	}

	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	} else {
		fmt.Println("All done")
	}
}

func outputPathOrDefault(inputPath string, outputPath string, suffixToTrim string, newSuffix string) string {
	if outputPath != "" {
		return outputPath
	}
	inputPath = path.Clean(inputPath)
	return strings.TrimSuffix(path.Base(inputPath), suffixToTrim) + newSuffix
}

func trimFileExt(name string) string {
	i := strings.LastIndex(name, ".")
	if i == -1 {
		return name
	} else {
		return name[:i]
	}
}
