package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
)

var states = []string{"CA", "NY", "TX", "OH", "WA", "NJ", "MN", "AL", "WV", "KS"}

var header = []string{
	"State", "Account Length", "Int'l Plan", "VMail Plan", "VMail Message",
	"Day Mins", "Day Calls", "Eve Mins", "Night Mins", "Intl Mins", "Intl Calls",
	"CustServ Calls", "Churn?",
}

func main() {
	var (
		trainPath = flag.String("train", "data/churn_train.csv", "Training CSV output path")
		testPath  = flag.String("test", "data/churn_test.csv", "Test CSV output path")
		rows      = flag.Int("rows", 5000, "Total number of customers to generate")
		testRatio = flag.Float64("test-ratio", 0.2, "Share of customers written to the test file")
		seed      = flag.Int64("seed", 1234, "Random seed")
	)
	flag.Parse()

	if *testRatio <= 0 || *testRatio >= 1 {
		log.Fatalf("test-ratio must be in (0, 1), got %v", *testRatio)
	}

	fmt.Printf("Generating %d synthetic customers...\n", *rows)
	fmt.Printf("  Train: %s\n", *trainPath)
	fmt.Printf("  Test: %s\n", *testPath)

	train, err := create(*trainPath)
	if err != nil {
		log.Fatalf("Failed to create training file: %v", err)
	}
	defer train.Close()
	test, err := create(*testPath)
	if err != nil {
		log.Fatalf("Failed to create test file: %v", err)
	}
	defer test.Close()

	trainW := csv.NewWriter(train)
	testW := csv.NewWriter(test)
	for _, w := range []*csv.Writer{trainW, testW} {
		if err := w.Write(header); err != nil {
			log.Fatalf("Failed to write header: %v", err)
		}
	}

	rng := rand.New(rand.NewSource(*seed))
	churned, testRows := 0, 0
	for i := 0; i < *rows; i++ {
		record, churn := customer(rng)
		if churn {
			churned++
		}

		w := trainW
		if rng.Float64() < *testRatio {
			w = testW
			testRows++
		}
		if err := w.Write(record); err != nil {
			log.Fatalf("Failed to write customer %d: %v", i, err)
		}
	}

	for _, w := range []*csv.Writer{trainW, testW} {
		w.Flush()
		if err := w.Error(); err != nil {
			log.Fatalf("Failed to flush CSV: %v", err)
		}
	}

	fmt.Printf("✓ Generated %d training and %d test customers (%.1f%% churned)\n",
		*rows-testRows, testRows, 100*float64(churned)/float64(max(*rows, 1)))
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

// customer draws one account. Churn follows a logistic model in which day
// minutes, the international plan and service calls raise the risk and a
// voice mail plan lowers it.
func customer(rng *rand.Rand) ([]string, bool) {
	intlPlan := rng.Float64() < 0.1
	vmailPlan := rng.Float64() < 0.28
	vmailMessages := 0
	if vmailPlan {
		vmailMessages = 10 + rng.Intn(40)
	}
	dayMins := math.Max(0, 180+rng.NormFloat64()*54)
	custServ := poisson(rng, 1.5)

	logit := -2.6 +
		0.014*(dayMins-180) +
		1.9*boolf(intlPlan) -
		0.9*boolf(vmailPlan) +
		0.6*(float64(custServ)-1.5)
	churn := rng.Float64() < 1/(1+math.Exp(-logit))

	record := []string{
		states[rng.Intn(len(states))],
		strconv.Itoa(1 + rng.Intn(240)),
		yesNo(intlPlan),
		yesNo(vmailPlan),
		strconv.Itoa(vmailMessages),
		ftoa(dayMins),
		strconv.Itoa(60 + rng.Intn(80)),
		ftoa(math.Max(0, 200+rng.NormFloat64()*50)),
		ftoa(math.Max(0, 200+rng.NormFloat64()*50)),
		ftoa(math.Max(0, 10+rng.NormFloat64()*2.8)),
		strconv.Itoa(poisson(rng, 4.5)),
		strconv.Itoa(custServ),
		trueFalse(churn),
	}
	return record, churn
}

func poisson(rng *rand.Rand, lambda float64) int {
	l := math.Exp(-lambda)
	k, p := 0, 1.0
	for {
		p *= rng.Float64()
		if p <= l {
			return k
		}
		k++
	}
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func trueFalse(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
