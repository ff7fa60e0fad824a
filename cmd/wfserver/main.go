package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/paulmach/orb"

	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/backend/memstore"
	"github.com/mapgrid/wfserver/internal/backend/postgis"
	"github.com/mapgrid/wfserver/internal/config"
	"github.com/mapgrid/wfserver/internal/crs"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/logger"
	"github.com/mapgrid/wfserver/internal/metrics"
	"github.com/mapgrid/wfserver/internal/schema"
	"github.com/mapgrid/wfserver/internal/server"
	"github.com/mapgrid/wfserver/internal/service"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "wfserver",
	}, os.Stdout)

	types := schema.NewRegistry()
	restaurant, err := restaurantType()
	if err != nil {
		zl.Error().Err(err).Msg("feature type registration failed")
		return 1
	}
	types.Add(restaurant)

	store, closer, err := openDatastore(cfg)
	if err != nil {
		zl.Error().Err(err).Msg("datastore setup failed")
		return 1
	}
	if closer != nil {
		defer closer()
	}

	prom := metrics.Init(metrics.BuildInfo{Version: Version})

	svc := service.New(cfg, types, store, zl)
	svc.Metrics = prom
	svc.Transforms.OnHit = prom.TransformHits.Inc
	svc.Transforms.OnMiss = prom.TransformMisses.Inc

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg, zl, svc, prom); err != nil {
		zl.Error().Err(err).Msg("server failed")
		return 1
	}
	return 0
}

// restaurantType exposes the demo "restaurant" collection.
func restaurantType() (*schema.FeatureType, error) {
	return schema.BuildFeatureType(schema.FeatureTypeSpec{
		Name:      "restaurant",
		Namespace: "http://example.org/gisserver",
		Title:     "Restaurants",
		Table:     "restaurants",
		NameField: "name",
		Fields: []schema.FieldSpec{
			{Name: "name", Type: schema.FTString},
			{Name: "rating", Type: schema.FTFloat, Nillable: true},
			{Name: "is_open", Type: schema.FTBool, Nillable: true},
			{Name: "created", Type: schema.FTDateTime},
			{Name: "location", Type: schema.FTPoint, Nillable: true},
			{
				Name: "city",
				Fields: []schema.FieldSpec{
					{Name: "name", Type: schema.FTString},
					{Name: "population", Type: schema.FTBigInt, Nillable: true},
				},
			},
			{
				Name: "tags", Type: schema.FTString, Many: true,
				RelTable: "restaurant_tags", RelForeignKey: "restaurant_id",
			},
		},
		GeometryField: "location",
		DefaultCRS:    crs.RDNew,
		OtherCRS:      []crs.CRS{crs.WGS84, crs.CRS84, crs.WebMercator},
		ShowBoundedBy: true,
	})
}

func openDatastore(cfg config.Config) (backend.Datastore, func(), error) {
	if cfg.DatabaseURL == "" {
		return demoStore(), nil, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := postgis.New(db, postgis.Options{
		Joins: []postgis.Join{
			{Path: "city", Table: "cities", LocalKey: "city_id"},
		},
	})
	return store, func() { _ = db.Close() }, nil
}

// demoStore serves a handful of rows so the server runs without a
// database.
func demoStore() *memstore.Store {
	store := memstore.New()
	store.Load("restaurants", []backend.Row{
		{
			"id": int64(1), "name": "Café Central", "rating": 4.5, "is_open": true,
			"created":   time.Date(2020, 4, 15, 9, 30, 0, 0, time.UTC),
			"city.name": "Amsterdam", "city.population": int64(905234),
			"location": geom.Geometry{Geom: orb.Point{121000, 487000}, CRS: crs.RDNew},
			"tags":     []backend.Row{{"tags": "cafe"}, {"tags": "terrace"}},
		},
		{
			"id": int64(2), "name": "De Pizzabakker", "rating": 3.0, "is_open": false,
			"created":   time.Date(2021, 8, 2, 17, 0, 0, 0, time.UTC),
			"city.name": "Utrecht", "city.population": int64(361924),
			"location": geom.Geometry{Geom: orb.Point{136000, 455000}, CRS: crs.RDNew},
			"tags":     []backend.Row{{"tags": "pizza"}},
		},
	})
	return store
}
