// Package manifest loads a subgraph manifest (data sources, templates,
// start blocks, features) from YAML and resolves it into the engine's
// runtime shapes, following the teacher's plain yaml.v3 config-loading
// style.
package manifest

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
	"github.com/graphprotocol/indexer-engine/internal/engine"
)

// File is the on-disk YAML shape of one subgraph manifest.
type File struct {
	SpecVersion string         `yaml:"specVersion"`
	Features    []string       `yaml:"features"`
	DataSources []dataSourceFile `yaml:"dataSources"`
	Templates   []templateFile   `yaml:"templates"`
}

type dataSourceFile struct {
	Name       string       `yaml:"name"`
	Address    string       `yaml:"address"`
	StartBlock uint64       `yaml:"startBlock"`
	Mapping    mappingFile  `yaml:"mapping"`
}

type templateFile struct {
	Name    string      `yaml:"name"`
	Mapping mappingFile `yaml:"mapping"`
}

type mappingFile struct {
	ABI            string   `yaml:"abi"`
	EventHandlers  []handlerFile `yaml:"eventHandlers"`
	CallHandlers   []handlerFile `yaml:"callHandlers"`
	BlockHandler   bool     `yaml:"blockHandler"`
}

type handlerFile struct {
	Event   string `yaml:"event"`
	Handler string `yaml:"handler"`
}

// Parse decodes raw YAML bytes into a File.
func Parse(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("manifest: parse yaml: %w", err)
	}
	return &f, nil
}

// featureSet reports which of this manifest's declared features are enabled,
// mapped onto engine.Features.
func (f *File) featureSet() engine.Features {
	var feat engine.Features
	for _, name := range f.Features {
		if name == "nonFatalErrors" {
			feat.NonFatalErrors = true
		}
	}
	return feat
}

// toDataSource converts a manifest-declared (static) data source into the
// engine's runtime DataSource. Each event handler contributes the
// Keccak-256 hash of its declared event string as an event signature;
// event and call handlers both contribute their handler names as handler
// keys. No call signatures are computed.
func toDataSource(ds dataSourceFile) chainmodel.DataSource {
	var addr *common.Address
	if ds.Address != "" {
		a := common.HexToAddress(ds.Address)
		addr = &a
	}
	out := chainmodel.DataSource{
		Name:       ds.Name,
		Address:    addr,
		ABI:        ds.Mapping.ABI,
		StartBlock: ds.StartBlock,
		HasBlockH:  ds.Mapping.BlockHandler,
	}
	for _, h := range ds.Mapping.EventHandlers {
		out.EventSigs = append(out.EventSigs, crypto.Keccak256Hash([]byte(h.Event)))
		out.HandlerKeys = append(out.HandlerKeys, h.Handler)
	}
	for _, h := range ds.Mapping.CallHandlers {
		out.HandlerKeys = append(out.HandlerKeys, h.Handler)
	}
	return out
}

func toTemplate(t templateFile) chainmodel.Template {
	out := chainmodel.Template{
		Name:      t.Name,
		ABI:       t.Mapping.ABI,
		HasBlockH: t.Mapping.BlockHandler,
	}
	for _, h := range t.Mapping.EventHandlers {
		out.EventSigs = append(out.EventSigs, crypto.Keccak256Hash([]byte(h.Event)))
		out.HandlerKeys = append(out.HandlerKeys, h.Handler)
	}
	for _, h := range t.Mapping.CallHandlers {
		out.HandlerKeys = append(out.HandlerKeys, h.Handler)
	}
	return out
}

// LinkResolver is the contract for fetching a raw manifest reference;
// implemented here by FileResolver.
type LinkResolver = engine.LinkResolver

// FileResolver resolves manifest references as local filesystem paths,
// matching the teacher's os.ReadFile-based config loader.
type FileResolver struct{}

// Resolve reads ref directly from the local filesystem, once: URLs are not
// supported, and no timeout or retry is applied.
func (FileResolver) Resolve(ctx context.Context, ref string) ([]byte, error) {
	return os.ReadFile(ref)
}

// BuildContext constructs a ready-to-run engine.IndexingContext from a
// parsed manifest plus the runtime collaborators and persisted dynamic data
// sources the store has previously recorded for this deployment.
func BuildContext(deployment chainmodel.DeploymentID, f *File, store engine.Store, chainAdapter engine.ChainAdapter, mapping engine.MappingRuntime, metrics engine.MetricsRegistry, config engine.Config, persisted []chainmodel.DataSource) *engine.IndexingContext {
	templates := make([]chainmodel.Template, 0, len(f.Templates))
	for _, t := range f.Templates {
		templates = append(templates, toTemplate(t))
	}

	dataSources := make([]chainmodel.DataSource, 0, len(f.DataSources)+len(persisted))
	for _, ds := range f.DataSources {
		dataSources = append(dataSources, toDataSource(ds))
	}
	// Persisted rows carry only name, template, address and block numbers;
	// the ABI, signatures, block-handler flag and handler keys come from
	// the template, as they do when Expander first instantiates a source.
	for _, ds := range persisted {
		for _, t := range templates {
			if t.Name == ds.Template {
				ds.ABI, ds.EventSigs, ds.CallSigs = t.ABI, t.EventSigs, t.CallSigs
				ds.HasBlockH, ds.HandlerKeys = t.HasBlockH, t.HandlerKeys
			}
		}
		dataSources = append(dataSources, ds)
	}

	return engine.NewContext(deployment, config, f.featureSet(), dataSources, templates, store, chainAdapter, mapping, metrics)
}

// StartBlocks collects the manifest's static data source start blocks plus
// any persisted dynamic data sources, deduplicated to the minimum height so
// the engine can build its initial block stream.
func StartBlocks(f *File, persisted []chainmodel.DataSource) []chainmodel.BlockPointer {
	min := ^uint64(0)
	found := false
	for _, ds := range f.DataSources {
		if ds.StartBlock < min {
			min = ds.StartBlock
			found = true
		}
	}
	for _, ds := range persisted {
		if ds.StartBlock < min {
			min = ds.StartBlock
			found = true
		}
	}
	if !found {
		return nil
	}
	return []chainmodel.BlockPointer{{Number: min}}
}
