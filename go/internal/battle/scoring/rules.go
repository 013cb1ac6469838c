package scoring

import (
	"fmt"

	"github.com/hydraquiz/battle/go/internal/models"
)

// Rules holds the numeric rules of the game.
type Rules struct {
	BasePoints    int                        `yaml:"base_points"`
	MaxSpeedBonus int                        `yaml:"max_speed_bonus"`
	ClassDamage   map[models.PlayerClass]int `yaml:"class_damage"`
	DefaultDamage int                        `yaml:"default_damage"`
}

// DefaultRules returns the stock rules table.
func DefaultRules() Rules {
	return Rules{
		BasePoints:    100,
		MaxSpeedBonus: 50,
		ClassDamage: map[models.PlayerClass]int{
			models.PlayerClassWarrior: 120,
			models.PlayerClassMage:    150,
			models.PlayerClassRogue:   100,
			models.PlayerClassCleric:  80,
		},
		DefaultDamage: 100,
	}
}

// Damage returns the base damage dealt by class.
func (r Rules) Damage(class models.PlayerClass) int {
	if d, ok := r.ClassDamage[class]; ok {
		return d
	}
	return r.DefaultDamage
}

// Validate rejects tables that would produce negative scores or healing.
func (r Rules) Validate() error {
	if r.BasePoints < 0 {
		return fmt.Errorf("base_points must not be negative: %d", r.BasePoints)
	}
	if r.MaxSpeedBonus < 0 {
		return fmt.Errorf("max_speed_bonus must not be negative: %d", r.MaxSpeedBonus)
	}
	if r.DefaultDamage < 0 {
		return fmt.Errorf("default_damage must not be negative: %d", r.DefaultDamage)
	}
	for class, dmg := range r.ClassDamage {
		if dmg < 0 {
			return fmt.Errorf("class_damage[%s] must not be negative: %d", class, dmg)
		}
	}
	return nil
}
