package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/credentials"
	"github.com/mohammed-shakir/geoportal/internal/featuretable"
	"github.com/mohammed-shakir/geoportal/internal/layerlist"
	"github.com/mohammed-shakir/geoportal/internal/publish"
	"github.com/mohammed-shakir/geoportal/internal/session"
	"github.com/mohammed-shakir/geoportal/internal/vectorpack"
)

// identity flags stand in for the authenticating proxy headers.
type identity struct {
	user  string
	roles string
	token string
}

func (id *identity) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&id.user, "user", "u", os.Getenv("GEOPORTAL_USER"), "nickname to act as")
	f.StringVar(&id.roles, "roles", "", "comma separated roles")
	f.StringVar(&id.token, "token", os.Getenv("GEOPORTAL_TOKEN"), "bearer token forwarded to GeoServer")
}

// tenant logs a session in the same way the HTTP middleware does.
func (id *identity) tenant(ctx context.Context, rules model.Rules) (context.Context, model.Tenant, error) {
	s := session.New(rules)
	if nick := strings.TrimSpace(id.user); nick != "" {
		s.Login(nick, session.ParseRoles(id.roles))
	}
	t, err := publish.SessionTenant(s)
	if err != nil {
		return ctx, model.Tenant{}, fmt.Errorf("%w: --user is required", err)
	}
	return credentials.WithBearer(ctx, credentials.Token(id.token)), t, nil
}

func newPublishCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a raster or vector layer",
	}
	cmd.AddCommand(newPublishRasterCmd(g), newPublishVectorCmd(g))
	return cmd
}

func newPublishRasterCmd(g *globalFlags) *cobra.Command {
	id := &identity{}
	var name string
	cmd := &cobra.Command{
		Use:   "raster FILE.tif",
		Short: "Create a coverage store and upload a GeoTIFF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filepath.Clean(args[0]))
			if err != nil {
				return err
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			a, err := setup(cmd.Context(), g, "cli", os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, t, err := id.tenant(cmd.Context(), a.Workflow.Options().Rules)
			if err != nil {
				return err
			}
			req := model.PublicationRequest{
				Tenant:    t,
				LayerName: model.LayerName(name),
				Kind:      model.KindRaster,
				Raster:    &model.RasterPayload{Data: data, ContentType: "image/tiff"},
			}
			if err := a.Workflow.PublishRaster(ctx, req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published raster %s:%s\n", a.Workflow.Workspace(t), name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "layer name (default: file base name)")
	id.bind(cmd)
	return cmd
}

type vectorFlags struct {
	name       string
	named      bool
	geometry   string
	nativeName string

	// attribute edits applied before packaging
	addFields []string
	sets      []string
	dropRows  []int
}

func (vf *vectorFlags) edits() bool {
	return len(vf.addFields)+len(vf.sets)+len(vf.dropRows) > 0
}

func newPublishVectorCmd(g *globalFlags) *cobra.Command {
	id := &identity{}
	vf := &vectorFlags{}
	cmd := &cobra.Command{
		Use:   "vector FILE.geojson|FILE.zip",
		Short: "Publish features or a zipped shapefile set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readVector(args[0], vf)
			if err != nil {
				return err
			}
			name := model.LayerName(vf.name)
			if name == "" {
				if vf.named {
					return fmt.Errorf("%w: --name is required with --named", errUsage)
				}
				name = publish.DefaultLayerName(time.Now())
			}

			a, err := setup(cmd.Context(), g, "cli", os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, t, err := id.tenant(cmd.Context(), a.Workflow.Options().Rules)
			if err != nil {
				return err
			}
			req := model.PublicationRequest{Tenant: t, LayerName: name, Kind: model.KindVector, Vector: payload}
			if vf.named {
				err = a.Workflow.PublishVectorNamed(ctx, req)
			} else {
				err = a.Workflow.PublishVector(ctx, req)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published vector %s:%s\n", a.Workflow.Workspace(t), name)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&vf.name, "name", "n", "", "layer name (default: layer_<unix millis>)")
	f.BoolVar(&vf.named, "named", false, "publish into its own data store under --name")
	f.StringVar(&vf.geometry, "geometry", "", "keep only features of this GeoJSON geometry type")
	f.StringVar(&vf.nativeName, "native-name", "", "base name of the files inside a .zip")
	f.StringSliceVar(&vf.addFields, "add-field", nil, "add an empty attribute column")
	f.StringArrayVar(&vf.sets, "set", nil, "set an attribute, as ROW:FIELD=VALUE (rows start at 1)")
	f.IntSliceVar(&vf.dropRows, "drop-row", nil, "drop a feature by row number (rows start at 1)")
	id.bind(cmd)
	return cmd
}

// readVector loads a zip archive as is and anything else as GeoJSON.
func readVector(path string, vf *vectorFlags) (*model.VectorPayload, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".zip") || vectorpack.IsZip("", data) {
		if vf.edits() {
			return nil, fmt.Errorf("%w: attribute edits need GeoJSON input, not an archive", errUsage)
		}
		return &model.VectorPayload{Archive: &model.Archive{BaseName: vf.nativeName, Data: data}}, nil
	}
	features, err := vectorpack.DecodeGeoJSON(data)
	if err != nil {
		return nil, err
	}
	if vf.geometry != "" {
		kept := vectorpack.FilterGeometry(features, vf.geometry)
		if len(kept) == 0 {
			return nil, fmt.Errorf("%w: no %s features in %s", errUsage, vf.geometry, path)
		}
		features = kept
	}
	if vf.edits() {
		if features, err = editFeatures(features, vf); err != nil {
			return nil, err
		}
	}
	return &model.VectorPayload{Features: features}, nil
}

// editFeatures runs the attribute edits through a feature table: new columns
// first, then values, then row drops. Row numbers refer to the input order.
func editFeatures(features []model.Feature, vf *vectorFlags) ([]model.Feature, error) {
	tbl := featuretable.New(features)
	for _, name := range vf.addFields {
		if !tbl.AddField(strings.TrimSpace(name)) {
			return nil, fmt.Errorf("%w: cannot add field %q", errUsage, name)
		}
	}
	for _, s := range vf.sets {
		row, field, value, err := parseSet(s)
		if err != nil {
			return nil, err
		}
		if err := tbl.UpdateValue(row, field, value); err != nil {
			return nil, fmt.Errorf("%w: --set %s: %v", errUsage, s, err)
		}
	}
	drops := slices.Clone(vf.dropRows)
	slices.Sort(drops)
	drops = slices.Compact(drops)
	for _, row := range slices.Backward(drops) {
		if err := tbl.DeleteRow(row - 1); err != nil {
			return nil, fmt.Errorf("%w: --drop-row %d: %v", errUsage, row, err)
		}
	}
	if tbl.Len() == 0 {
		return nil, fmt.Errorf("%w: every feature was dropped", errUsage)
	}
	return tbl.Features(), nil
}

// parseSet splits ROW:FIELD=VALUE. Numeric values are stored as numbers so
// the column type is inferred the same way as for decoded GeoJSON.
func parseSet(s string) (int, string, any, error) {
	lhs, raw, ok := strings.Cut(s, "=")
	rowStr, field, ok2 := strings.Cut(lhs, ":")
	if !ok || !ok2 {
		return 0, "", nil, fmt.Errorf("%w: --set %q, want ROW:FIELD=VALUE", errUsage, s)
	}
	row, err := strconv.Atoi(strings.TrimSpace(rowStr))
	if err != nil || row < 1 {
		return 0, "", nil, fmt.Errorf("%w: --set %q: bad row number", errUsage, s)
	}
	var value any = raw
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		value = f
	}
	return row - 1, strings.TrimSpace(field), value, nil
}

func newDeleteCmd(g *globalFlags) *cobra.Command {
	id := &identity{}
	var raster, vector, ids []string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete layers from your workspace",
		Long: "Delete layers by store name with --raster and --vector, or pick them\n" +
			"from your catalog by id (workspace:name) with --id.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			byName := len(raster)+len(vector) > 0
			switch {
			case !byName && len(ids) == 0:
				return fmt.Errorf("%w: name at least one --raster, --vector or --id layer", errUsage)
			case byName && len(ids) > 0:
				return fmt.Errorf("%w: --id cannot be combined with --raster or --vector", errUsage)
			}
			a, err := setup(cmd.Context(), g, "cli", os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, t, err := id.tenant(cmd.Context(), a.Workflow.Options().Rules)
			if err != nil {
				return err
			}
			if len(ids) > 0 {
				l, err := a.Catalog.DeleteSelected(ctx, a.Workflow, t, ids)
				if failed := publish.Failed(err); len(failed) > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "not deleted: %s\n", strings.Join(failed, ", "))
				}
				if err != nil {
					return err
				}
				return printEntries(cmd, l.Entries())
			}
			if err := a.Workflow.DeleteLayers(ctx, t, raster, vector); err != nil {
				if failed := publish.Failed(err); len(failed) > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "not deleted: %s\n", strings.Join(failed, ", "))
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d layer(s)\n", len(raster)+len(vector))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&raster, "raster", nil, "raster layers to delete")
	cmd.Flags().StringSliceVar(&vector, "vector", nil, "vector layers to delete")
	cmd.Flags().StringSliceVar(&ids, "id", nil, "catalog ids (workspace:name) of personal layers to delete")
	id.bind(cmd)
	return cmd
}

func newEnsureStoreCmd(g *globalFlags) *cobra.Command {
	id := &identity{}
	cmd := &cobra.Command{
		Use:   "ensure-store",
		Short: "Create your workspace and the shared vector data store if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(id.user) == "" {
				return fmt.Errorf("%w: --user is required", errUsage)
			}
			a, err := setup(cmd.Context(), g, "cli", os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, t, err := id.tenant(cmd.Context(), a.Workflow.Options().Rules)
			if err != nil {
				return err
			}
			if err := a.Workflow.EnsureSharedStore(ctx, t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "data store %s:%s ready\n", a.Workflow.Workspace(t), a.Workflow.Options().VectorStore)
			return nil
		},
	}
	id.bind(cmd)
	return cmd
}

func newCatalogCmd(g *globalFlags) *cobra.Command {
	id := &identity{}
	var asJSON bool
	var toggles, moves []string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the layers visible to a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), g, "cli", os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			var t model.Tenant
			if id.user != "" {
				if ctx, t, err = id.tenant(ctx, a.Workflow.Options().Rules); err != nil {
					return err
				}
			}
			l, err := a.Catalog.Load(ctx, t)
			if err != nil {
				return err
			}
			if err := arrange(l, toggles, moves); err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(l.Entries())
			}
			return printEntries(cmd, l.Entries())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().StringSliceVar(&toggles, "toggle", nil, "flip the visibility of a layer id")
	cmd.Flags().StringArrayVar(&moves, "move", nil, "move a layer to a z position, as ID=Z")
	id.bind(cmd)
	return cmd
}

// arrange applies visibility toggles, then moves, so the printed list matches
// what a map would draw.
func arrange(l *layerlist.List, toggles, moves []string) error {
	for _, id := range toggles {
		if _, err := l.ToggleVisibility(strings.TrimSpace(id)); err != nil {
			return fmt.Errorf("%w: --toggle: %v", errUsage, err)
		}
	}
	for _, m := range moves {
		id, zStr, ok := strings.Cut(m, "=")
		z, err := strconv.Atoi(strings.TrimSpace(zStr))
		if !ok || err != nil {
			return fmt.Errorf("%w: --move %q, want ID=Z", errUsage, m)
		}
		from := slices.IndexFunc(l.Entries(), func(e layerlist.Entry) bool { return e.ID() == strings.TrimSpace(id) })
		if from < 0 {
			return fmt.Errorf("%w: --move: %w %q", errUsage, layerlist.ErrUnknownLayer, id)
		}
		if err := l.Move(from, z-1); err != nil {
			return fmt.Errorf("%w: --move: %v", errUsage, err)
		}
	}
	return nil
}

func printEntries(cmd *cobra.Command, entries []layerlist.Entry) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Z\tKIND\tLAYER\tTITLE\tVISIBLE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\n", e.ZIndex, e.Kind, e.ID(), e.Title, e.Visible)
	}
	return tw.Flush()
}
