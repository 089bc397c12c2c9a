package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/camden-git/campaignstudio/generation"
	"github.com/camden-git/campaignstudio/models"
)

const (
	minVariationStrength = 0.3
	maxVariationStrength = 0.7
)

// look is one set of garments worn together.
type look struct {
	productIDs []uint
	garments   []generation.Garment
}

// view is one image of a model: the base photo or a selected pose.
type view struct {
	model     *models.FashionModel
	imageURL  string
	poseIndex int // -1 for the base image
}

// combo is one cell of the campaign matrix.
type combo struct {
	look  look
	view  view
	scene *models.Scene
}

// key names the cell by its inputs, so it stays the same across attempts
// of a run even when other cells drop out.
func (c *combo) key() string {
	ids := make([]string, len(c.look.productIDs))
	for i, id := range c.look.productIDs {
		ids[i] = strconv.FormatUint(uint64(id), 10)
	}
	return fmt.Sprintf("p%s:m%d:v%d:s%d", strings.Join(ids, "+"), c.view.model.ID, c.view.poseIndex, c.scene.ID)
}

// Estimate returns the number of images a run over settings produces when
// every combination succeeds. Out of range pose indexes are counted.
func Estimate(settings models.CampaignSettings) int {
	settings.Normalize()
	if !settings.HasSelection() {
		return 0
	}
	looks := len(settings.ProductIDs)
	if settings.Mode == models.ModeLabel {
		looks = 1
	}
	views := 0
	for _, id := range settings.ModelIDs {
		if n := len(settings.SelectedPoses[id]); n > 0 {
			views += n
		} else {
			views++
		}
	}
	return looks * views * len(settings.SceneIDs) * imagesPerCombo(settings)
}

func imagesPerCombo(settings models.CampaignSettings) int {
	if settings.Strategy == models.StrategyBaseVariations {
		return 1 + settings.Variations
	}
	return 1
}

// VariationStrengths spreads n refinement strengths evenly over the
// variation range.
func VariationStrengths(n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{(minVariationStrength + maxVariationStrength) / 2}
	}
	step := (maxVariationStrength - minVariationStrength) / float64(n-1)
	out := make([]float64, n)
	for i := range out {
		out[i] = minVariationStrength + step*float64(i)
	}
	return out
}

// buildLooks returns one look per product in standard mode, or a single
// outfit of every product in label mode.
func buildLooks(mode string, products []models.Product) []look {
	if mode == models.ModeLabel {
		outfit := look{}
		for i := range products {
			outfit.productIDs = append(outfit.productIDs, products[i].ID)
			outfit.garments = append(outfit.garments, generation.GarmentFromProduct(&products[i]))
		}
		return []look{outfit}
	}
	looks := make([]look, 0, len(products))
	for i := range products {
		looks = append(looks, look{
			productIDs: []uint{products[i].ID},
			garments:   []generation.Garment{generation.GarmentFromProduct(&products[i])},
		})
	}
	return looks
}

func buildCombos(looks []look, views []view, scenes []models.Scene) []combo {
	combos := make([]combo, 0, len(looks)*len(views)*len(scenes))
	for _, l := range looks {
		for _, v := range views {
			for i := range scenes {
				combos = append(combos, combo{look: l, view: v, scene: &scenes[i]})
			}
		}
	}
	return combos
}

// orderByIDs returns items in the order of ids, dropping ids with no item.
func orderByIDs[T any](ids []uint, items []T, id func(*T) uint) []T {
	byID := make(map[uint]int, len(items))
	for i := range items {
		byID[id(&items[i])] = i
	}
	out := make([]T, 0, len(ids))
	seen := make(map[uint]bool, len(ids))
	for _, want := range ids {
		if idx, ok := byID[want]; ok && !seen[want] {
			out = append(out, items[idx])
			seen[want] = true
		}
	}
	return out
}
