package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. CONTROLPLANE_HTTP_ADDR.
const EnvPrefix = "CONTROLPLANE"

// Opt is a single command-line option.
type Opt struct {
	DestP   any // pointer to the destination
	Flag    string
	Default any
	Desc    string
}

// NewOpt creates a new command line option.
func NewOpt(destP any, flag string, dflt any, desc string) Opt {
	return Opt{
		DestP:   destP,
		Flag:    flag,
		Default: dflt,
		Desc:    desc,
	}
}

// NewViper returns a viper instance reading CONTROLPLANE_* variables, with
// "-" in keys normalised to "_".
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	return v
}

// BindOptions adds opts to cmd as persistent flags and registers them with v.
func BindOptions(v *viper.Viper, cmd *cobra.Command, opts []Opt) {
	flags := cmd.PersistentFlags()
	for _, o := range opts {
		switch destP := o.DestP.(type) {
		case *string:
			var d string
			if o.Default != nil {
				d = o.Default.(string)
			}
			flags.StringVar(destP, o.Flag, d, o.Desc)
		case *int:
			var d int
			if o.Default != nil {
				d = o.Default.(int)
			}
			flags.IntVar(destP, o.Flag, d, o.Desc)
		case *bool:
			var d bool
			if o.Default != nil {
				d = o.Default.(bool)
			}
			flags.BoolVar(destP, o.Flag, d, o.Desc)
		case *time.Duration:
			var d time.Duration
			if o.Default != nil {
				d = o.Default.(time.Duration)
			}
			flags.DurationVar(destP, o.Flag, d, o.Desc)
		case *[]string:
			var d []string
			if o.Default != nil {
				d = o.Default.([]string)
			}
			flags.StringSliceVar(destP, o.Flag, d, o.Desc)
		default:
			panic(fmt.Errorf("unknown destination type %T", o.DestP))
		}
		if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
			panic(err)
		}
	}
}

// Resolve copies the effective value of every option into its destination.
// A flag set on the command line wins over the environment, which wins over
// the default.
func Resolve(v *viper.Viper, opts []Opt) {
	for _, o := range opts {
		switch destP := o.DestP.(type) {
		case *string:
			*destP = v.GetString(o.Flag)
		case *int:
			*destP = v.GetInt(o.Flag)
		case *bool:
			*destP = v.GetBool(o.Flag)
		case *time.Duration:
			*destP = v.GetDuration(o.Flag)
		case *[]string:
			*destP = splitList(v.GetStringSlice(o.Flag))
		}
	}
}

// splitList accepts both repeated values and a single comma-separated value,
// which is how lists arrive from the environment.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
