// gridctl is the operator's toolbox: inspect GRIB2 files, inspect
// stored datasets, and precompute GOES projection lookup tables.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jcom-dev/gridweather/internal/goes"
	"github.com/jcom-dev/gridweather/internal/grib2"
	"github.com/jcom-dev/gridweather/internal/gridstore"
)

func main() {
	root := &cobra.Command{
		Use:   "gridctl",
		Short: "Inspect and prepare gridweather data files",
	}
	root.AddCommand(gribInfoCmd(), goesLutCmd(), lutInfoCmd(), zarrInfoCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func gribInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grib-info <file>",
		Short: "List the messages in a GRIB2 file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			params := grib2.DefaultParameters()
			it := grib2.NewIterator(data)
			count := 0
			for {
				msg, err := it.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				count++
				name := "?"
				units := ""
				if p, ok := params.Lookup(msg); ok {
					name = p.Name
					units = p.Units
				}
				level := grib2.LevelString(msg.FirstSurfaceType, msg.FirstSurfaceValue)
				fmt.Fprintf(cmd.OutOrStdout(), "%3d  %-8s %-24s %s +%dh  %dx%d  %s\n",
					count, name, level,
					msg.ReferenceTime.Format(time.RFC3339), msg.ForecastHour(),
					msg.Grid.Ni, msg.Grid.Nj, units)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d message(s)\n", count)
			return nil
		},
	}
}

func goesLutCmd() *cobra.Command {
	var out string
	var maxZoom int
	var satellite string
	cmd := &cobra.Command{
		Use:   "goes-lut <cmi.nc>",
		Short: "Precompute the tile lookup table for a GOES CMI file's geometry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmi, err := goes.DecodeCMIFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "grid %dx%d, nadir %.1f\n", cmi.Width, cmi.Height, cmi.Proj.LongitudeOrigin)

			cache := goes.BuildLUTCache(satellite, cmi, maxZoom)
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			n, err := cache.WriteTo(f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tiles (%s) to %s\n",
				len(cache.Tiles), humanize.IBytes(uint64(n)), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "goes.lut", "output LUT file")
	cmd.Flags().IntVar(&maxZoom, "max-zoom", 7, "deepest zoom level to precompute")
	cmd.Flags().StringVar(&satellite, "satellite", "GOES-16", "satellite name stored in the file header")
	return cmd
}

func lutInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lut-info <file.lut>",
		Short: "Summarize a precomputed LUT file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			cache, err := goes.ReadLUTCache(f)
			if err != nil {
				return err
			}
			valid := 0
			for _, lut := range cache.Tiles {
				valid += lut.ValidCount()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "satellite %s, max zoom %d, %d tiles, %d valid pixels\n",
				cache.Satellite, cache.MaxZoom, len(cache.Tiles), valid)
			return nil
		},
	}
}

func zarrInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "zarr-info <zarr.json>",
		Short: "Describe a stored dataset from its metadata document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			meta, err := gridstore.UnmarshalZarr(data)
			if err != nil {
				return err
			}
			dx, dy := meta.Resolution()
			fmt.Fprintf(cmd.OutOrStdout(),
				"%s %s %s\n  %dx%d cells (%.4f x %.4f deg), %d-cell chunks (%dx%d), %s%s\n  reference %s +%dh, bbox %.2f,%.2f,%.2f,%.2f\n",
				meta.Attrs.Model, meta.Attrs.Parameter, meta.Attrs.Level,
				meta.Width, meta.Height, dx, dy,
				meta.ChunkSize, meta.ChunksX(), meta.ChunksY(),
				meta.Compression, shardNote(meta),
				meta.Attrs.ReferenceTime.Format(time.RFC3339), meta.Attrs.ForecastHour,
				meta.Attrs.BBox.West, meta.Attrs.BBox.South, meta.Attrs.BBox.East, meta.Attrs.BBox.North)
			return nil
		},
	}
}

func shardNote(meta gridstore.Metadata) string {
	if meta.Sharded {
		return " (sharded)"
	}
	return ""
}
