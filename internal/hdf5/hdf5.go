// Package hdf5 reads the datasets of an HDF5 file (the format Keras uses for pretrained weights)
// into GoMLX tensors.
//
// It requires the `hdf5-tools` (a deb package) installed in the system, more specifically the
// `h5dump` binary.
package hdf5

import (
	"bytes"
	"os"
	"os/exec"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Contents maps the path of every dataset in the file (groups joined by "/", starting with "/")
// to its metadata.
type Contents map[string]*Dataset

// Dataset has (some of) the metadata about an HDF5 dataset, but not the data itself. The
// "DATATYPE" and "DATASPACE" fields are converted to the equivalent GoMLX shapes.Shape.
//
// If the dataset is not representable as a tensor, Shape is left invalid.
type Dataset struct {
	FilePath, GroupPath, RawHeader string
	DType                          dtypes.DType
	Shape                          shapes.Shape
}

// H5DumpBinary is the name of the binary used to read HDF5 files.
const H5DumpBinary = "h5dump"

// Keys returns the dataset paths sorted.
func (c Contents) Keys() []string {
	keys := maps.Keys(c)
	slices.Sort(keys)
	return keys
}

// ParseFile in filePath as an HDF5 file and returns map of contents.
func ParseFile(filePath string) (Contents, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 file in path %q", filePath)
	}
	listing, err := execH5Dump("--contents", filePath)
	if err != nil {
		return nil, err
	}
	contents, err := parseContents(filePath, listing)
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return contents, nil
	}

	headerArgs := make([]string, 0, len(contents)+2)
	headerArgs = append(headerArgs, "--header")
	for _, key := range contents.Keys() {
		headerArgs = append(headerArgs, "--dataset="+key)
	}
	headerArgs = append(headerArgs, filePath)
	headers, err := execH5Dump(headerArgs...)
	if err != nil {
		return nil, err
	}
	if err = contents.parseHeaders(filePath, headers); err != nil {
		return nil, err
	}
	return contents, nil
}

var (
	regexpH5Datasets               = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	regexpH5DatasetHeaderName      = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	regexpH5DatasetHeaderDataType  = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	regexpH5DatasetHeaderDataSpace = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
)

// parseContents parses the output of `h5dump --contents`.
func parseContents(filePath string, listing []byte) (Contents, error) {
	matches := regexpH5Datasets.FindAllStringSubmatch(string(listing), -1)
	contents := make(Contents, len(matches))
	for _, match := range matches {
		groupPath := strings.TrimSpace(match[1])
		// Dataset names are passed as arguments to h5dump.
		if strings.HasPrefix(groupPath, "-") {
			return nil, errors.Errorf("invalid dataset name starting with '-': %q", groupPath)
		}
		contents[groupPath] = &Dataset{
			FilePath:  filePath,
			GroupPath: groupPath,
		}
	}
	return contents, nil
}

// parseHeaders parses the output of `h5dump --header --dataset=...` and fills DType and Shape
// of the datasets it describes.
func (c Contents) parseHeaders(filePath string, headers []byte) error {
	rawDatasetHeaders := strings.Split(string(headers), "DATASET")
	if len(rawDatasetHeaders)-1 != len(c) {
		return errors.Errorf("failed to parse dataset headers for %q: expected %d DATASET, got %d",
			filePath, len(c), len(rawDatasetHeaders)-1)
	}
	for _, part := range rawDatasetHeaders[1:] {
		matches := regexpH5DatasetHeaderName.FindStringSubmatch(part)
		if len(matches) != 2 {
			return errors.Errorf("failed to parse dataset headers for %q: got %q", filePath, part)
		}
		ds, found := c[matches[1]]
		if !found {
			return errors.Errorf("unknown headers for %q: got %q", filePath, part)
		}
		ds.RawHeader = "DATASET" + part
		ds.parseHeader(part)
	}
	return nil
}

// parseHeader sets the dtype and shape of the dataset, if they are supported.
func (ds *Dataset) parseHeader(header string) {
	matches := regexpH5DatasetHeaderDataType.FindStringSubmatch(header)
	if len(matches) != 2 {
		return
	}
	ds.DType = DTypeForH5T(matches[1])
	if ds.DType == dtypes.InvalidDType {
		return
	}

	matches = regexpH5DatasetHeaderDataSpace.FindStringSubmatch(header)
	if len(matches) != 4 {
		klog.V(1).Infof("hdf5: DATASPACE not parsed for %q", ds.GroupPath)
		return
	}
	switch matches[1] {
	case "SCALAR":
		ds.Shape = shapes.Make(ds.DType)
	case "SIMPLE":
		dimsParts := strings.Split(matches[3], ",")
		dims := make([]int, 0, len(dimsParts))
		for _, dimStr := range dimsParts {
			dim, err := strconv.Atoi(strings.TrimSpace(dimStr))
			if err != nil {
				klog.V(1).Infof("hdf5: failed to parse dimension %q of %q", dimStr, ds.GroupPath)
				return
			}
			dims = append(dims, dim)
		}
		ds.Shape = shapes.Make(ds.DType, dims...)
	default:
		klog.V(1).Infof("hdf5: DATASPACE type %q of %q not supported", matches[1], ds.GroupPath)
	}
}

// DTypeForH5T returns the DType corresponding to known HDF5 types. If not known/supported, returns
// dtypes.InvalidDType.
func DTypeForH5T(h5type string) dtypes.DType {
	switch h5type {
	case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
		return dtypes.Float32
	case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
		return dtypes.Float64
	case "H5T_STD_I32LE", "H5T_STD_I32BE":
		return dtypes.Int32
	case "H5T_STD_I64LE", "H5T_STD_I64BE":
		return dtypes.Int64
	}
	return dtypes.InvalidDType
}

// execH5Dump executes `h5dump` and returns its standard output.
func execH5Dump(args ...string) ([]byte, error) {
	binPath, err := exec.LookPath(H5DumpBinary)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find %q binary in PATH, needed to parse HDF5 files "+
			"(extension \".h5\") -- please install package hdf5-tools", H5DumpBinary)
	}
	klog.V(2).Infof("using h5dump from %q", binPath)
	cmd := exec.Command(binPath, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdoutBuf, &stderrBuf
	if err = cmd.Run(); err != nil {
		err = errors.Wrapf(err, "failed executing %q to access HDF5 file", cmd)
		return nil, errors.WithMessagef(err, "STDERR captured:\n%s\n", stderrBuf.String())
	}
	return stdoutBuf.Bytes(), nil
}

// Load the raw (native byte order) contents of the dataset.
func (ds *Dataset) Load() ([]byte, error) {
	tmpFile, err := os.CreateTemp("", "hdf5_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temporary file to extract HDF5 dataset")
	}
	defer func() {
		if rmErr := os.Remove(tmpFile.Name()); rmErr != nil {
			klog.Warningf("failed to remove temporary file %q used to extract HDF5 dataset: %+v", tmpFile.Name(), rmErr)
		}
	}()
	_, err = execH5Dump("--dataset="+ds.GroupPath, "--binary=NATIVE", "--output="+tmpFile.Name(), ds.FilePath)
	if err != nil {
		return nil, err
	}
	rawContent, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read from temporary file %q to extract HDF5 dataset", tmpFile.Name())
	}
	return rawContent, nil
}

// ToTensor reads the HDF5 dataset into a tensors.Tensor.
func (ds *Dataset) ToTensor() (*tensors.Tensor, error) {
	if !ds.Shape.Ok() {
		return nil, errors.Errorf("no shape information from HDF5 dataset %q, can't convert to tensor", ds.GroupPath)
	}
	loadedData, err := ds.Load()
	if err != nil {
		return nil, err
	}
	return bytesToTensor(ds.Shape, loadedData)
}

func bytesToTensor(shape shapes.Shape, data []byte) (*tensors.Tensor, error) {
	tensor := tensors.FromShape(shape)
	var err error
	accessErr := tensor.MutableBytes(func(localData []byte) {
		if len(data) != len(localData) {
			err = errors.Errorf("for shape %s: loaded %d bytes, but tensor uses %d bytes", shape, len(data), len(localData))
			return
		}
		copy(localData, data)
	})
	if accessErr != nil {
		return nil, accessErr
	}
	if err != nil {
		return nil, err
	}
	return tensor, nil
}

// UnpackConfig is created by Unpack, and configures the unpacking of an HDF5 file into a directory
// tree with one GoMLX tensor file per dataset.
type UnpackConfig struct {
	h5Path, targetDir string
	showProgressBar   bool
	dirPermissions    os.FileMode
	filter            func(key string) bool
}

// Unpack the datasets of the HDF5 file in h5Path into targetDir, which must not yet exist. Each
// dataset "/a/b/c" is saved with tensors.Tensor.Save to "<targetDir>/a/b/c", and can be read back
// with tensors.Load.
//
// It returns a configuration that can be further customized. Call Done to do the unpacking:
//
//	err := hdf5.Unpack("/my/weights", "weights.h5").ProgressBar().Done()
func Unpack(targetDir, h5Path string) *UnpackConfig {
	return &UnpackConfig{
		h5Path:         h5Path,
		targetDir:      targetDir,
		dirPermissions: 0755,
	}
}

// ProgressBar displays a progress bar during the unpacking.
func (c *UnpackConfig) ProgressBar() *UnpackConfig {
	c.showProgressBar = true
	return c
}

// FilePermissions used to create directories. Default is 0755.
func (c *UnpackConfig) FilePermissions(perm os.FileMode) *UnpackConfig {
	c.dirPermissions = perm
	return c
}

// Filter restricts the unpacking to the datasets whose path the function accepts.
func (c *UnpackConfig) Filter(fn func(key string) bool) *UnpackConfig {
	c.filter = fn
	return c
}

// Done does the unpacking. It unpacks first to a temporary directory, renamed to the target directory
// only if everything succeeded. On error the temporary directory is removed.
func (c *UnpackConfig) Done() (err error) {
	if fsutil.MustFileExists(c.targetDir) {
		return errors.Errorf("target directory %q already exists -- remove it or move it away first", c.targetDir)
	}
	h5, err := ParseFile(c.h5Path)
	if err != nil {
		return err
	}

	baseDir := path.Dir(c.targetDir)
	if err = os.MkdirAll(baseDir, c.dirPermissions); err != nil {
		return errors.Wrapf(err, "can't create base directory %q where to unpack the HDF5 file to", baseDir)
	}
	tmpDir, err := os.MkdirTemp(baseDir, path.Base(c.targetDir)+".")
	if err != nil {
		return errors.Wrapf(err, "can't create temporary directory under %q to unpack the HDF5 file to", baseDir)
	}

	keys := h5.Keys()
	if c.filter != nil {
		keys = slices.DeleteFunc(keys, func(key string) bool { return !c.filter(key) })
	}
	var bar *progressbar.ProgressBar
	if c.showProgressBar {
		var totalSize uintptr
		for _, key := range keys {
			if ds := h5[key]; ds.Shape.Ok() {
				totalSize += ds.Shape.Memory()
			}
		}
		bar = progressbar.DefaultBytes(int64(totalSize), "unpacking "+humanize.IBytes(uint64(totalSize)))
	}
	defer func() {
		if bar != nil {
			_ = bar.Finish()
		}
		if tmpDir != "" {
			if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
				klog.Errorf("hdf5.Unpack(%q, %q): error while cleaning up temporary directory %q: %v",
					c.targetDir, c.h5Path, tmpDir, rmErr)
			}
		}
	}()

	for _, key := range keys {
		ds := h5[key]
		if !ds.Shape.Ok() {
			klog.Infof("hdf5.Unpack(%q, %q): skipping dataset %q not parsed as tensor", c.targetDir, c.h5Path, key)
			continue
		}
		tensor, err := ds.ToTensor()
		if err != nil {
			return err
		}
		dsPath := path.Join(tmpDir, key)
		dsDir := path.Dir(dsPath)
		if err = os.MkdirAll(dsDir, c.dirPermissions); err != nil {
			return errors.Wrapf(err, "hdf5.Unpack(%q, %q): can't create sub-directory %q", c.targetDir, c.h5Path, dsDir)
		}
		if err = tensor.Save(dsPath); err != nil {
			return errors.WithMessagef(err, "hdf5.Unpack(%q, %q)", c.targetDir, c.h5Path)
		}
		if bar != nil {
			_ = bar.Add64(int64(ds.Shape.Memory()))
		}
	}

	if err = os.Rename(tmpDir, c.targetDir); err != nil {
		return errors.Wrapf(err, "hdf5.Unpack(%q, %q): failed to rename temporary dir %q with unpacked tensors",
			c.targetDir, c.h5Path, tmpDir)
	}
	tmpDir = "" // Nothing to clean up.
	return nil
}
