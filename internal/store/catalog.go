package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/layneker8/soft-turnos/internal/models"
)

// Catalog is the static site configuration a store is seeded with.
type Catalog struct {
	Sites         []models.Site
	Services      []models.Service
	Priorities    []models.Priority
	Cubicles      []models.Cubicle
	PauseReasons  []models.PauseReason
	CancelReasons []models.CancelReason
}

type catalogFile struct {
	Sites []struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Services []struct {
			ID   string `yaml:"id"`
			Name string `yaml:"name"`
			Code string `yaml:"code"`
		} `yaml:"services"`
		Cubicles []struct {
			ID       string   `yaml:"id"`
			Label    string   `yaml:"label"`
			Services []string `yaml:"services"`
		} `yaml:"cubicles"`
	} `yaml:"sites"`
	Priorities []struct {
		ID    string `yaml:"id"`
		Name  string `yaml:"name"`
		Level int    `yaml:"level"`
	} `yaml:"priorities"`
	PauseReasons  map[string]string `yaml:"pause_reasons"`
	CancelReasons map[string]string `yaml:"cancel_reasons"`
}

func LoadCatalog(path string) (Catalog, error) {
	const op = "store.LoadCatalog"
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("%s: %w", op, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Catalog{}, fmt.Errorf("%s: %w", op, err)
	}

	var cat Catalog
	for _, site := range file.Sites {
		cat.Sites = append(cat.Sites, models.Site{SiteID: site.ID, Name: site.Name})
		for _, svc := range site.Services {
			cat.Services = append(cat.Services, models.Service{ServiceID: svc.ID, SiteID: site.ID, Name: svc.Name, Code: svc.Code, Active: true})
		}
		for _, cub := range site.Cubicles {
			cat.Cubicles = append(cat.Cubicles, models.Cubicle{CubicleID: cub.ID, SiteID: site.ID, Label: cub.Label, ServiceIDs: cub.Services})
		}
	}
	for _, p := range file.Priorities {
		cat.Priorities = append(cat.Priorities, models.Priority{PriorityID: p.ID, Name: p.Name, Level: p.Level})
	}
	for id, name := range file.PauseReasons {
		cat.PauseReasons = append(cat.PauseReasons, models.PauseReason{ReasonID: id, Name: name})
	}
	for id, name := range file.CancelReasons {
		cat.CancelReasons = append(cat.CancelReasons, models.CancelReason{ReasonID: id, Name: name})
	}
	if len(cat.Sites) == 0 {
		return Catalog{}, fmt.Errorf("%s: %s defines no sites", op, path)
	}
	return cat, nil
}

// DemoCatalog is the single-site catalog used when no seed file is configured.
func DemoCatalog() Catalog {
	return Catalog{
		Sites: []models.Site{{SiteID: "site-1", Name: "Sede Principal"}},
		Services: []models.Service{
			{ServiceID: "svc-general", SiteID: "site-1", Name: "Consulta general", Code: "A", Active: true},
			{ServiceID: "svc-lab", SiteID: "site-1", Name: "Laboratorio", Code: "L", Active: true},
		},
		Priorities: []models.Priority{
			{PriorityID: "prio-preferential", Name: "Preferencial", Level: 0},
			{PriorityID: "prio-normal", Name: "General", Level: 10},
		},
		Cubicles: []models.Cubicle{
			{CubicleID: "cub-1", SiteID: "site-1", Label: "Puesto 1"},
			{CubicleID: "cub-2", SiteID: "site-1", Label: "Puesto 2"},
			{CubicleID: "cub-3", SiteID: "site-1", Label: "Puesto 3", ServiceIDs: []string{"svc-lab"}},
		},
		PauseReasons: []models.PauseReason{
			{ReasonID: "break", Name: "Descanso"},
			{ReasonID: "lunch", Name: "Almuerzo"},
		},
		CancelReasons: []models.CancelReason{
			{ReasonID: "no-show", Name: "No se presentó"},
			{ReasonID: "duplicate", Name: "Duplicado"},
		},
	}
}
