package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bojand/ghz/printer"
	"github.com/bojand/ghz/runner"
	"github.com/jhump/protoreflect/desc"
	"google.golang.org/protobuf/proto"
	klog "k8s.io/klog/v2"

	"github.com/citadel-ai/inference-gateway/pkg/gateway/test"
)

var (
	svrAddr       = flag.String("server_address", "localhost:9002", "Address of the ext proc server")
	totalRequests = flag.Int("total_requests", 100000, "number of requests to be sent for load test")
	// Flags when running a local ext proc server.
	numFakeBackends     = flag.Int("num_fake_backends", 200, "number of fake backends when running a local ext proc server")
	numModelsPerBackend = flag.Int("num_models_per_backend", 5, "number of fake models served by each backend when running a local ext proc server")
	numDownBackends     = flag.Int("num_down_backends", 20, "number of fake backends that fail their probes")
	localServer         = flag.Bool("local_server", true, "whether to start a local ext proc server")
	probeInterval       = flag.Duration("probeInterval", 5*time.Second, "interval to probe backends")
)

const (
	port = 9002
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *localServer {
		models, down := fakeModels()
		test.StartExtProc(context.Background(), port, *probeInterval, models, nil, down...)
		time.Sleep(time.Second) // wait until server is up
		klog.Info("Server started")
	}

	report, err := runner.Run(
		"envoy.service.ext_proc.v3.ExternalProcessor.Process",
		*svrAddr,
		runner.WithInsecure(true),
		runner.WithBinaryDataFunc(generateRequest),
		runner.WithTotalRequests(uint(*totalRequests)),
	)
	if err != nil {
		klog.Fatal(err)
	}

	printer := printer.ReportPrinter{
		Out:    os.Stdout,
		Report: report,
	}

	printer.Print("summary")
}

func generateRequest(mtd *desc.MethodDescriptor, callData *runner.CallData) []byte {
	numModels := *numFakeBackends * (*numModelsPerBackend)
	req := test.GenerateRequest(modelName(int(callData.RequestNumber) % numModels))
	data, err := proto.Marshal(req)
	if err != nil {
		klog.Fatal("marshaling error: ", err)
	}
	return data
}

// fakeModels maps every model to the backend that owns it and the next one, so routing
// has a choice to make, and marks the first numDownBackends backends as down.
func fakeModels() (map[string][]string, []string) {
	models := make(map[string][]string, *numFakeBackends*(*numModelsPerBackend))
	for b := 0; b < *numFakeBackends; b++ {
		for i := 0; i < *numModelsPerBackend; i++ {
			models[modelName(b*(*numModelsPerBackend)+i)] = []string{
				test.FakeAddress(b),
				test.FakeAddress((b + 1) % *numFakeBackends),
			}
		}
	}
	var down []string
	for b := 0; b < *numDownBackends && b < *numFakeBackends; b++ {
		down = append(down, test.FakeAddress(b))
	}
	return models, down
}

func modelName(i int) string {
	return fmt.Sprintf("model-%v", i)
}
