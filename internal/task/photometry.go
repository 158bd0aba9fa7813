package task

// Photometry is the output shared by every kind that produces light curves.
type Photometry struct {
	Genversion string
	// Dirs hold the photometry files, one per simulation realisation.
	Dirs []string
	// Types maps numeric type codes to labels such as "Ia" or "II".
	Types map[int]string
	// IaTypes and NonIaTypes partition the type codes.
	IaTypes    []int
	NonIaTypes []int
}

// PhotometrySource is implemented by kinds that publish Photometry.
type PhotometrySource interface {
	Task
	Photometry() (Photometry, error)
}
