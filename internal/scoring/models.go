package scoring

import (
	"math"
	"time"

	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/forecast"
)

const (
	minTrainingRows = 48
	cvFolds         = 5

	// Overfitting flags per artifact type.
	regressorOverfitGap  = 0.10
	classifierOverfitGap = 0.15
)

// Report is the training evaluation saved with the artifact.
type Report struct {
	R2Train           float64 `json:"r2_train"`
	R2Test            float64 `json:"r2_test"`
	AccuracyTrain     float64 `json:"accuracy_train"`
	AccuracyTest      float64 `json:"accuracy_test"`
	CVR2Mean          float64 `json:"cv_r2_mean"`
	CVAccuracyMean    float64 `json:"cv_accuracy_mean"`
	OverfitRegressor  bool    `json:"overfit_regressor"`
	OverfitClassifier bool    `json:"overfit_classifier"`
	Rows              int     `json:"rows"`
}

// Artifact holds both supervised models: a linear energy-score
// regressor and a linear suitability model whose output is binned into
// production classes. Features are standardized with the stored
// moments.
type Artifact struct {
	RegressorWeights   []float64 `json:"regressor_weights"`
	SuitabilityWeights []float64 `json:"suitability_weights"`
	Means              []float64 `json:"means"`
	Stds               []float64 `json:"stds"`
	TrainedAt          time.Time `json:"trained_at"`
	Report             Report    `json:"report"`
	Location           string    `json:"location"`
}

// TrainArtifact fits both models on labeled hours. Targets come from
// the deterministic formulas, so training reduces to recovering them
// from the engineered features.
func TrainArtifact(inputs []HourInput, loc *time.Location) (*Artifact, error) {
	if len(inputs) < minTrainingRows {
		return nil, errkind.New(errkind.Validation, "need at least %d training rows, have %d", minTrainingRows, len(inputs))
	}

	x := make([][]float64, len(inputs))
	yScore := make([]float64, len(inputs))
	ySuit := make([]float64, len(inputs))
	for i, in := range inputs {
		x[i] = Vector(in, loc)
		yScore[i] = EnergyScoreTarget(in, loc)
		ySuit[i] = Suitability(in, loc)
	}

	means, stds := moments(x)
	std := standardize(x, means, stds)

	split := len(std) - len(std)/5
	regW, err := fitLinear(std[:split], yScore[:split])
	if err != nil {
		return nil, err
	}
	suitW, err := fitLinear(std[:split], ySuit[:split])
	if err != nil {
		return nil, err
	}

	report := Report{
		Rows:          len(inputs),
		R2Train:       r2(regW, std[:split], yScore[:split]),
		R2Test:        r2(regW, std[split:], yScore[split:]),
		AccuracyTrain: accuracy(suitW, std[:split], ySuit[:split]),
		AccuracyTest:  accuracy(suitW, std[split:], ySuit[split:]),
	}
	report.CVR2Mean, report.CVAccuracyMean, err = crossValidate(std, yScore, ySuit)
	if err != nil {
		return nil, err
	}
	report.OverfitRegressor = math.Abs(report.R2Train-report.R2Test) > regressorOverfitGap
	report.OverfitClassifier = math.Abs(report.AccuracyTrain-report.AccuracyTest) > classifierOverfitGap

	// Final weights use every row.
	regW, err = fitLinear(std, yScore)
	if err != nil {
		return nil, err
	}
	suitW, err = fitLinear(std, ySuit)
	if err != nil {
		return nil, err
	}

	return &Artifact{
		RegressorWeights:   regW,
		SuitabilityWeights: suitW,
		Means:              means,
		Stds:               stds,
		TrainedAt:          time.Now().UTC(),
		Report:             report,
		Location:           loc.String(),
	}, nil
}

// Score predicts the energy-optimization score for one input.
func (a *Artifact) Score(in HourInput, loc *time.Location) float64 {
	row := a.standardizeRow(Vector(in, loc))
	return clamp100(predict(a.RegressorWeights, row))
}

// Classify predicts the production class and a confidence derived from
// the distance to the nearest bin edge.
func (a *Artifact) Classify(in HourInput, loc *time.Location) (Class, float64) {
	row := a.standardizeRow(Vector(in, loc))
	s := clamp100(predict(a.SuitabilityWeights, row))
	return ClassOf(s), confidence(s)
}

// confidence grows with distance from the nearest threshold; an hour
// sitting on a bin edge is genuinely ambiguous.
func confidence(s float64) float64 {
	nearest := math.Inf(1)
	for _, edge := range []float64{75, 55, 35} {
		if d := math.Abs(s - edge); d < nearest {
			nearest = d
		}
	}
	return math.Min(0.99, 0.5+nearest/40)
}

func (a *Artifact) standardizeRow(row []float64) []float64 {
	out := make([]float64, len(row)+1)
	out[0] = 1
	for i, v := range row {
		out[i+1] = (v - a.Means[i]) / a.Stds[i]
	}
	return out
}

func moments(x [][]float64) (means, stds []float64) {
	p := len(x[0])
	means = make([]float64, p)
	stds = make([]float64, p)
	for _, row := range x {
		for i, v := range row {
			means[i] += v
		}
	}
	n := float64(len(x))
	for i := range means {
		means[i] /= n
	}
	for _, row := range x {
		for i, v := range row {
			d := v - means[i]
			stds[i] += d * d
		}
	}
	for i := range stds {
		stds[i] = math.Sqrt(stds[i] / n)
		if stds[i] < 1e-9 {
			stds[i] = 1
		}
	}
	return means, stds
}

func standardize(x [][]float64, means, stds []float64) [][]float64 {
	out := make([][]float64, len(x))
	for r, row := range x {
		s := make([]float64, len(row)+1)
		s[0] = 1
		for i, v := range row {
			s[i+1] = (v - means[i]) / stds[i]
		}
		out[r] = s
	}
	return out
}

func fitLinear(x [][]float64, y []float64) ([]float64, error) {
	return forecast.OLS(x, y)
}

func predict(w, row []float64) float64 {
	var s float64
	for i := range w {
		s += w[i] * row[i]
	}
	return s
}

func r2(w []float64, x [][]float64, y []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var mean float64
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))

	var ssRes, ssTot float64
	for i, row := range x {
		d := y[i] - predict(w, row)
		ssRes += d * d
		ssTot += (y[i] - mean) * (y[i] - mean)
	}
	if ssTot == 0 {
		return 1
	}
	return 1 - ssRes/ssTot
}

func accuracy(w []float64, x [][]float64, y []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	hits := 0
	for i, row := range x {
		if ClassOf(clamp100(predict(w, row))) == ClassOf(y[i]) {
			hits++
		}
	}
	return float64(hits) / float64(len(x))
}

func crossValidate(x [][]float64, yScore, ySuit []float64) (r2Mean, accMean float64, err error) {
	n := len(x)
	foldSize := n / cvFolds
	if foldSize == 0 {
		return 0, 0, errkind.New(errkind.Validation, "too few rows for %d-fold cross-validation", cvFolds)
	}
	for f := 0; f < cvFolds; f++ {
		lo, hi := f*foldSize, (f+1)*foldSize
		if f == cvFolds-1 {
			hi = n
		}
		var trX [][]float64
		var trScore, trSuit []float64
		for i := range x {
			if i >= lo && i < hi {
				continue
			}
			trX = append(trX, x[i])
			trScore = append(trScore, yScore[i])
			trSuit = append(trSuit, ySuit[i])
		}
		regW, ferr := fitLinear(trX, trScore)
		if ferr != nil {
			return 0, 0, ferr
		}
		suitW, ferr := fitLinear(trX, trSuit)
		if ferr != nil {
			return 0, 0, ferr
		}
		r2Mean += r2(regW, x[lo:hi], yScore[lo:hi])
		accMean += accuracy(suitW, x[lo:hi], ySuit[lo:hi])
	}
	return r2Mean / cvFolds, accMean / cvFolds, nil
}

func clamp100(v float64) float64 {
	return math.Min(100, math.Max(0, v))
}
