package launch

// Suppress is the reserved mapping target that drops a flag and its value
// from the translated command line. Used to strip flags (like scheduler
// account selectors) that mean nothing to the target launcher.
const Suppress = "SUPPRESS"

// Vendor describes how to drive one launcher's command-line syntax. A Vendor
// is resolved once from configuration and never mutated afterwards.
type Vendor struct {
	Name          string            `yaml:"vendor"`
	Exec          string            `yaml:"exec"`
	NumprocFlag   string            `yaml:"numproc_flag"`
	DefaultFlags  []string          `yaml:"default_flags"`
	LocalFlags    []string          `yaml:"local_flags"`
	PostFlags     []string          `yaml:"post_flags"`
	Mappings      map[string]string `yaml:"mappings"`
	MultiProgFlag string            `yaml:"multiprog_flag"`

	// NativeMultiProg reports whether the launcher accepts MPMD groups
	// joined inline with ':'. Launchers without it get a generated
	// rank-range mapping file instead.
	NativeMultiProg bool `yaml:"native_multiprog"`
}

// Builtin vendor table. Entries may be overridden wholesale by configuration;
// unknown vendors fall back to the openmpi shape.
var builtins = map[string]Vendor{
	"openmpi": {
		Name:            "openmpi",
		Exec:            "mpiexec",
		NumprocFlag:     "-n",
		NativeMultiProg: true,
	},
	"mpich": {
		Name:            "mpich",
		Exec:            "mpiexec",
		NumprocFlag:     "-np",
		NativeMultiProg: true,
	},
	"srun": {
		Name:          "srun",
		Exec:          "srun",
		NumprocFlag:   "-n",
		MultiProgFlag: "--multi-prog",
	},
	"jsrun": {
		Name:            "jsrun",
		Exec:            "jsrun",
		NumprocFlag:     "--np",
		NativeMultiProg: true,
	},
}

// LookupVendor returns the builtin definition for name, or a generic mpiexec
// shape when the vendor is unknown.
func LookupVendor(name string) Vendor {
	if v, ok := builtins[name]; ok {
		return v
	}
	return Vendor{Name: name, Exec: "mpiexec", NumprocFlag: "-n", NativeMultiProg: true}
}

// normalized returns a copy of v with required fields defaulted.
func (v Vendor) normalized() Vendor {
	if v.Exec == "" {
		v.Exec = "mpiexec"
	}
	if v.NumprocFlag == "" {
		v.NumprocFlag = "-n"
	}
	if v.MultiProgFlag == "" {
		v.MultiProgFlag = "--multi-prog"
	}
	return v
}
